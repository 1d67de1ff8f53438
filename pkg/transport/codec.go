package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mahaj/connectify/pkg/model"
)

// encode builds one frame. HTML escaping is off so chat text reaches the relay as typed.
func encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = bytes.TrimRight(buf.Bytes(), "\n")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(model.Envelope{Event: event, Data: data}); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decode(frame []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("decode frame: missing event name")
	}
	return env, nil
}
