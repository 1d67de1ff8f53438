package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/model"
	"github.com/mahaj/connectify/pkg/notify"
	"github.com/mahaj/connectify/pkg/store"
)

const (
	registrationKey = "push/registration"
	subscriptionKey = "push/subscription"

	defaultIcon = "/icon.png"
	authSize    = 16
)

// Store persists the worker state. *store.DB satisfies it.
type Store interface {
	GetJSON(key string, v any) error
	PutJSON(key string, v any) error
	Delete(key string) error
}

type subscriptionRecord struct {
	RegistrationID string                 `json:"registrationId"`
	Subscription   model.PushSubscription `json:"subscription"`
	PrivateKey     []byte                 `json:"privateKey"`
	ServerKey      []byte                 `json:"serverKey"`
}

// LocalPlatform is the background worker of the Go host. Its registration and
// subscription survive restarts in the store.
type LocalPlatform struct {
	store      Store
	endpoint   string
	permission func() model.Permission
	notifier   notify.Notifier
	focuser    notify.Focuser
	random     io.Reader

	mu sync.Mutex
}

type LocalOption func(*LocalPlatform)

// WithPermission sets the permission source, granted when unset.
func WithPermission(f func() model.Permission) LocalOption {
	return func(p *LocalPlatform) { p.permission = f }
}

func WithNotifier(n notify.Notifier) LocalOption {
	return func(p *LocalPlatform) { p.notifier = n }
}

func WithFocuser(f notify.Focuser) LocalOption {
	return func(p *LocalPlatform) { p.focuser = f }
}

func WithRandom(r io.Reader) LocalOption {
	return func(p *LocalPlatform) { p.random = r }
}

// NewLocalPlatform creates a platform whose subscriptions live under pushEndpoint.
// An empty pushEndpoint leaves push unsupported.
func NewLocalPlatform(s Store, pushEndpoint string, opts ...LocalOption) *LocalPlatform {
	p := &LocalPlatform{
		store:      s,
		endpoint:   strings.TrimRight(pushEndpoint, "/"),
		permission: func() model.Permission { return model.PermissionGranted },
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LocalPlatform) Supported() Capabilities {
	return Capabilities{Worker: p.store != nil, Push: p.store != nil && p.endpoint != ""}
}

func (p *LocalPlatform) PermissionState() model.Permission {
	return p.permission()
}

func (p *LocalPlatform) Registration(context.Context) (*Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadRegistration()
}

func (p *LocalPlatform) Register(_ context.Context, scriptURL, scope string) (*Registration, error) {
	if scriptURL == "" {
		return nil, errors.New("worker script url is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	reg := &Registration{ID: uuid.NewString(), ScriptURL: scriptURL, Scope: scope}
	if err := p.store.PutJSON(registrationKey, reg); err != nil {
		return nil, fmt.Errorf("save registration: %w", err)
	}
	return reg, nil
}

// Ready activates reg. The local worker has no install phase, so this never waits.
func (p *LocalPlatform) Ready(ctx context.Context, reg *Registration) (*Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := p.loadRegistration()
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.ID != reg.ID {
		return nil, errors.New("worker registration not found")
	}
	stored.Active = true
	if err := p.store.PutJSON(registrationKey, stored); err != nil {
		return nil, fmt.Errorf("save registration: %w", err)
	}
	return stored, nil
}

func (p *LocalPlatform) Subscription(_ context.Context, reg *Registration) (*model.PushSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.loadSubscription()
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.RegistrationID != reg.ID {
		return nil, nil
	}
	sub := rec.Subscription
	return &sub, nil
}

func (p *LocalPlatform) Subscribe(_ context.Context, reg *Registration, opts SubscribeOptions) (model.PushSubscription, error) {
	if p.permission() == model.PermissionDenied {
		return model.PushSubscription{}, ErrSubscriptionDenied
	}
	if !reg.Active {
		return model.PushSubscription{}, errors.New("worker registration is not active")
	}
	if !opts.UserVisibleOnly {
		return model.PushSubscription{}, errors.New("only user visible subscriptions are supported")
	}
	if len(opts.ApplicationServerKey) == 0 {
		return model.PushSubscription{}, ErrMissingServerKey
	}

	priv, err := ecdh.P256().GenerateKey(p.random)
	if err != nil {
		return model.PushSubscription{}, fmt.Errorf("generate p256dh: %w", err)
	}
	auth := make([]byte, authSize)
	if _, err := io.ReadFull(p.random, auth); err != nil {
		return model.PushSubscription{}, fmt.Errorf("generate auth secret: %w", err)
	}

	sub := model.PushSubscription{
		Endpoint: p.endpoint + "/" + uuid.NewString(),
		Keys: model.PushSubscriptionKeys{
			P256DH: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rec := subscriptionRecord{
		RegistrationID: reg.ID,
		Subscription:   sub,
		PrivateKey:     priv.Bytes(),
		ServerKey:      opts.ApplicationServerKey,
	}
	if err := p.store.PutJSON(subscriptionKey, rec); err != nil {
		return model.PushSubscription{}, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

func (p *LocalPlatform) Unsubscribe(_ context.Context, sub model.PushSubscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.loadSubscription()
	if err != nil {
		return err
	}
	if rec == nil || rec.Subscription.Endpoint != sub.Endpoint {
		return nil
	}
	return p.store.Delete(subscriptionKey)
}

// Delivers reports whether id names the stored subscription's endpoint.
func (p *LocalPlatform) Delivers(id string) bool {
	if id == "" || strings.Contains(id, "/") {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.loadSubscription()
	if err != nil || rec == nil {
		return false
	}
	return rec.Subscription.Endpoint == p.endpoint+"/"+id
}

// HandlePush shows the notification carried by a push message payload.
func (p *LocalPlatform) HandlePush(ctx context.Context, data []byte) error {
	var payload model.PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}
	if payload.Title == "" {
		return errors.New("push payload has no title")
	}
	return p.ShowNotification(ctx, payload)
}

func (p *LocalPlatform) ShowNotification(ctx context.Context, payload model.PushPayload) error {
	if p.notifier == nil {
		log.Debug().Str("title", payload.Title).Msg("[push] no notifier, push dropped")
		return nil
	}
	n := notify.Notification{
		Title:    payload.Title,
		Body:     payload.Body,
		Icon:     payload.Icon,
		Tag:      notify.Tag,
		URL:      p.scope(),
		Renotify: true,
		Actions: []notify.Action{
			{Action: notify.ActionOpen, Title: "Open Chat"},
			{Action: notify.ActionClose, Title: "Dismiss"},
		},
	}
	if n.Icon == "" {
		n.Icon = defaultIcon
	}
	return p.notifier.Show(ctx, n)
}

// HandleClick closes the notification and, for the open action, focuses the chat.
func (p *LocalPlatform) HandleClick(ctx context.Context, n notify.Notification, action string) {
	if action == "" {
		notify.Click(ctx, p.notifier, nil, n, action)
		return
	}
	notify.Click(ctx, p.notifier, p.focuser, n, action)
}

func (p *LocalPlatform) scope() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, err := p.loadRegistration()
	if err != nil || reg == nil {
		return DefaultScope
	}
	return reg.Scope
}

func (p *LocalPlatform) loadRegistration() (*Registration, error) {
	var reg Registration
	err := p.store.GetJSON(registrationKey, &reg)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registration: %w", err)
	}
	return &reg, nil
}

func (p *LocalPlatform) loadSubscription() (*subscriptionRecord, error) {
	var rec subscriptionRecord
	err := p.store.GetJSON(subscriptionKey, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return &rec, nil
}
