// Package transcript exports the chat log to Kafka, one record per appended
// message keyed by sender.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/connectify/pkg/model"
)

// Writer is the subset of *kafka.Writer the exporter uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the value of an exported message. Local marks entries authored on this
// device.
type Record struct {
	DeviceID  string `json:"deviceId"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Local     bool   `json:"local"`
}

// batchTimeout bounds how long Export waits on a partial batch.
const batchTimeout = 10 * time.Millisecond

type KafkaExporter struct {
	writer   Writer
	deviceID string
}

func NewKafkaExporter(brokers []string, topic, deviceID string) *KafkaExporter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: batchTimeout,
	}
	return NewExporter(w, deviceID)
}

func NewExporter(w Writer, deviceID string) *KafkaExporter {
	return &KafkaExporter{writer: w, deviceID: deviceID}
}

// Export writes msgs in order.
func (e *KafkaExporter) Export(ctx context.Context, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		value, err := json.Marshal(Record{
			DeviceID:  e.deviceID,
			Text:      m.Text,
			Sender:    m.Sender,
			Timestamp: m.Timestamp,
			Local:     m.IsMe,
		})
		if err != nil {
			return err
		}
		at := m.Time()
		if at.IsZero() {
			at = time.Now()
		}
		out = append(out, kafka.Message{
			Key:   []byte(m.Sender),
			Value: value,
			Time:  at,
		})
	}
	if err := e.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("transcript: write %d messages: %w", len(out), err)
	}
	log.Debug().Int("count", len(out)).Msg("[transcript] exported")
	return nil
}

func (e *KafkaExporter) Close() error {
	return e.writer.Close()
}
