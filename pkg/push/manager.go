// Package push keeps one push subscription for the device and hands it to the relay
// so messages can be delivered while the chat is not in the foreground.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/model"
	"github.com/mahaj/connectify/pkg/transport"
)

// Session is the part of the transport session the manager uses.
type Session interface {
	On(event string, fn transport.HandlerFunc) func()
	Emit(event string, payload any) error
	State() model.ConnectionState
}

type Config struct {
	Platform Platform

	// Session may be nil; the subscription is then kept locally only.
	Session Session

	// ServerKey is the VAPID public key, base64url.
	ServerKey string

	// RequestPermission is called when the platform permission is still default.
	RequestPermission func(ctx context.Context) (model.Permission, error)

	ScriptURL string
	Scope     string
}

type Manager struct {
	cfg Config

	// call serializes EnsureSubscribed.
	call sync.Mutex

	mu       sync.Mutex
	sub      *model.PushSubscription
	disposed bool
	offAck   func()
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Platform == nil {
		return nil, errors.New("push: platform is required")
	}
	if cfg.ScriptURL == "" {
		cfg.ScriptURL = DefaultScriptURL
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	m := &Manager{cfg: cfg}
	if cfg.Session != nil {
		m.offAck = cfg.Session.On(model.EventPushSubscriptionAck, handleAck)
	}
	return m, nil
}

// Subscription returns the active descriptor, if any.
func (m *Manager) Subscription() (model.PushSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return model.PushSubscription{}, false
	}
	return *m.sub, true
}

// EnsureSubscribed returns the device's push subscription, registering the worker
// and subscribing as needed. Repeated calls return the same descriptor. The
// descriptor is forwarded to the relay when the session is connected at that
// moment; it is not retried later.
func (m *Manager) EnsureSubscribed(ctx context.Context) (model.PushSubscription, error) {
	m.call.Lock()
	defer m.call.Unlock()

	if err := m.alive(); err != nil {
		return model.PushSubscription{}, err
	}
	if sub, ok := m.Subscription(); ok {
		return sub, nil
	}

	caps := m.cfg.Platform.Supported()
	if !caps.Worker || !caps.Push {
		return model.PushSubscription{}, ErrUnsupportedPlatform
	}
	if err := m.checkPermission(ctx); err != nil {
		return model.PushSubscription{}, err
	}

	reg, err := m.registration(ctx)
	if err != nil {
		return model.PushSubscription{}, err
	}

	existing, err := m.cfg.Platform.Subscription(ctx, reg)
	if err != nil {
		return model.PushSubscription{}, failure("lookup subscription", err)
	}
	if err := m.alive(); err != nil {
		return model.PushSubscription{}, err
	}

	var sub model.PushSubscription
	fresh := false
	if existing != nil && !existing.IsZero() {
		log.Debug().Str("endpoint", existing.Endpoint).Msg("[push] reusing subscription")
		sub = *existing
	} else {
		key, err := DecodeServerKey(m.cfg.ServerKey)
		if err != nil {
			return model.PushSubscription{}, err
		}
		sub, err = m.cfg.Platform.Subscribe(ctx, reg, SubscribeOptions{
			UserVisibleOnly:      true,
			ApplicationServerKey: key,
		})
		if err != nil {
			return model.PushSubscription{}, failure("subscribe", err)
		}
		fresh = true
		log.Info().Str("endpoint", sub.Endpoint).Msg("[push] created subscription")
	}

	if err := m.adopt(sub); err != nil {
		if fresh {
			m.unsubscribe(context.WithoutCancel(ctx), sub)
		}
		return model.PushSubscription{}, err
	}

	m.forward(sub)
	return sub, nil
}

// Dispose unsubscribes the active subscription. The worker registration is left in
// place. Pending and later EnsureSubscribed calls fail with ErrDisposed.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	sub := m.sub
	m.sub = nil
	off := m.offAck
	m.offAck = nil
	m.mu.Unlock()

	if off != nil {
		off()
	}
	if sub == nil {
		return nil
	}
	if err := m.cfg.Platform.Unsubscribe(ctx, *sub); err != nil {
		return failure("unsubscribe", err)
	}
	log.Info().Str("endpoint", sub.Endpoint).Msg("[push] unsubscribed")
	return nil
}

func (m *Manager) alive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	return nil
}

func (m *Manager) adopt(sub model.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	m.sub = &sub
	return nil
}

func (m *Manager) checkPermission(ctx context.Context) error {
	switch m.cfg.Platform.PermissionState() {
	case model.PermissionGranted:
		return nil
	case model.PermissionDenied:
		return ErrSubscriptionDenied
	}
	if m.cfg.RequestPermission == nil {
		return nil
	}
	perm, err := m.cfg.RequestPermission(ctx)
	if err != nil {
		return failure("request permission", err)
	}
	if err := m.alive(); err != nil {
		return err
	}
	if perm != model.PermissionGranted {
		return ErrSubscriptionDenied
	}
	return nil
}

func (m *Manager) registration(ctx context.Context) (*Registration, error) {
	reg, err := m.cfg.Platform.Registration(ctx)
	if err != nil {
		return nil, failure("lookup registration", err)
	}
	if err := m.alive(); err != nil {
		return nil, err
	}
	if reg == nil {
		log.Info().Str("script", m.cfg.ScriptURL).Str("scope", m.cfg.Scope).Msg("[push] registering worker")
		reg, err = m.cfg.Platform.Register(ctx, m.cfg.ScriptURL, m.cfg.Scope)
		if err != nil {
			return nil, failure("register worker", err)
		}
		if err := m.alive(); err != nil {
			return nil, err
		}
	}
	if !reg.Active {
		reg, err = m.cfg.Platform.Ready(ctx, reg)
		if err != nil {
			return nil, failure("wait for worker", err)
		}
		if err := m.alive(); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (m *Manager) forward(sub model.PushSubscription) {
	if m.cfg.Session == nil || m.cfg.Session.State() != model.Connected {
		log.Warn().Msg("[push] relay not connected, subscription not forwarded")
		return
	}
	if err := m.cfg.Session.Emit(model.EventPushSubscription, model.PushSubscriptionPayload{Subscription: sub}); err != nil {
		log.Warn().Err(err).Msg("[push] forwarding subscription failed")
	}
}

func (m *Manager) unsubscribe(ctx context.Context, sub model.PushSubscription) {
	if err := m.cfg.Platform.Unsubscribe(ctx, sub); err != nil {
		log.Warn().Err(err).Msg("[push] dropping subscription after dispose failed")
	}
}

func handleAck(data json.RawMessage) {
	var ack model.PushSubscriptionAck
	if err := json.Unmarshal(data, &ack); err != nil {
		log.Warn().Err(err).Msg("[push] bad ack payload")
		return
	}
	if !ack.OK {
		log.Warn().Str("error", ack.Error).Msg("[push] relay rejected subscription")
		return
	}
	log.Info().Msg("[push] relay stored subscription")
}
