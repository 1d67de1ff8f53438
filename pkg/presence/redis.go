// Package presence mirrors the relay-reported presence of a device into Redis so
// other local tools can read it.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/model"
)

const (
	Channel   = "presence"
	OnlineSet = "presence:online"
)

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Event is published on Channel for every change.
type Event struct {
	DeviceID string              `json:"deviceId"`
	Status   model.PresenceState `json:"status"`
	At       string              `json:"at"`
}

type RedisMirror struct {
	client Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisMirror(addr string, ttl time.Duration) *RedisMirror {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return NewMirror(rdb, ttl)
}

func NewMirror(c Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: c, ttl: ttl, now: time.Now}
}

func Key(deviceID string) string {
	return "presence:" + deviceID
}

// Publish records state for deviceID and announces it on Channel.
func (m *RedisMirror) Publish(ctx context.Context, deviceID string, state model.PresenceState) error {
	if !state.Valid() {
		return fmt.Errorf("presence: invalid state %q", state)
	}
	if err := m.client.Set(ctx, Key(deviceID), string(state), m.ttl).Err(); err != nil {
		return fmt.Errorf("presence: set: %w", err)
	}

	var err error
	if state == model.Online {
		err = m.client.SAdd(ctx, OnlineSet, deviceID).Err()
	} else {
		err = m.client.SRem(ctx, OnlineSet, deviceID).Err()
	}
	if err != nil {
		return fmt.Errorf("presence: update online set: %w", err)
	}

	ev, err := json.Marshal(Event{DeviceID: deviceID, Status: state, At: model.FormatTimestamp(m.now())})
	if err != nil {
		return err
	}
	if err := m.client.Publish(ctx, Channel, ev).Err(); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	log.Debug().Str("device_id", deviceID).Str("status", string(state)).Msg("[presence] mirrored")
	return nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
