// Package chatsync keeps the ordered chat log of one device.
//
// The Synchronizer folds three inputs into the log: history snapshots from the
// relay, single relayed messages and local sends. All of them run to completion
// one at a time on a single loop goroutine, so log order is processing order.
//
// Known limitation: a local send is appended optimistically and the relay's echo of
// it is appended again when it arrives. There is no dedup key on the wire.
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/mahaj/connectify/pkg/metrics"
	"github.com/mahaj/connectify/pkg/model"
	"github.com/mahaj/connectify/pkg/snowflake"
	"github.com/mahaj/connectify/pkg/transport"
)

const defaultUpdateBuffer = 256

// Session is the part of the transport session the synchronizer uses.
type Session interface {
	On(event string, fn transport.HandlerFunc) func()
	Emit(event string, payload any) error
	State() model.ConnectionState
}

type Config struct {
	Session Session

	// LocalID is the resolved device identity.
	LocalID string

	// OnMessage is called on the loop for every relayed message after it is
	// appended. Snapshot entries and local sends do not trigger it.
	OnMessage func(model.Message)

	// OnPresence receives every valid userStatus value, on the loop.
	OnPresence func(model.PresenceState)

	Now          func() time.Time
	Keys         *snowflake.Node
	UpdateBuffer int
	Metrics      *metrics.Core
}

type UpdateKind int

const (
	UpdateSnapshot UpdateKind = iota + 1
	UpdateAppend
	UpdatePresence
)

type Origin int

const (
	OriginRelay Origin = iota + 1
	OriginLocal
)

// Update describes one change of the synchronizer state.
type Update struct {
	Kind     UpdateKind
	Messages []model.Message // UpdateSnapshot: the whole log
	Message  model.Message   // UpdateAppend
	Origin   Origin          // UpdateAppend
	Presence model.PresenceState
}

type Synchronizer struct {
	cfg Config

	work    chan func()
	quit    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	offs      []func()

	mu       sync.RWMutex
	log      []model.Message
	presence model.PresenceState
	subs     map[chan Update]struct{}
}

// New registers the synchronizer's handlers on the session and starts its loop.
// The identity must be resolved first: relay events are only accepted once the
// device knows who it is.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Session == nil {
		return nil, ErrNoSession
	}
	if cfg.LocalID == "" {
		return nil, ErrIdentityUnresolved
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Keys == nil {
		node, err := snowflake.NewNode(0)
		if err != nil {
			return nil, err
		}
		cfg.Keys = node
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}

	s := &Synchronizer{
		cfg:      cfg,
		work:     make(chan func(), 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		log:      []model.Message{},
		presence: model.Offline,
		subs:     make(map[chan Update]struct{}),
	}

	s.offs = []func(){
		cfg.Session.On(model.EventPreviousMessages, s.relay(s.applySnapshot)),
		cfg.Session.On(model.EventMessage, s.relay(s.applyMessage)),
		cfg.Session.On(model.EventUserStatus, s.relay(s.applyStatus)),
		cfg.Session.On(model.EventError, s.relay(s.applyError)),
	}

	go s.loop()
	return s, nil
}

func (s *Synchronizer) LocalID() string {
	return s.cfg.LocalID
}

// Messages returns a copy of the log.
func (s *Synchronizer) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Synchronizer) Presence() model.PresenceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// CanSend reports whether Send could currently reach the relay. A UI uses it to
// disable its send control.
func (s *Synchronizer) CanSend() bool {
	return s.cfg.Session.State() == model.Connected
}

// Subscribe returns a stream of updates. Updates a slow reader cannot take are
// dropped; Messages always has the full state. The channel closes on Close.
func (s *Synchronizer) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, s.cfg.UpdateBuffer)
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Send validates text, emits it as a chatMessage and appends it to the log without
// waiting for the relay. On any error the log is unchanged.
func (s *Synchronizer) Send(ctx context.Context, text string) (model.Message, error) {
	type result struct {
		msg model.Message
		err error
	}
	reply := make(chan result, 1)

	if err := s.do(ctx, func() {
		msg, err := s.send(text)
		reply <- result{msg: msg, err: err}
	}); err != nil {
		return model.Message{}, err
	}

	select {
	case r := <-reply:
		return r.msg, r.err
	case <-s.stopped:
		return model.Message{}, ErrClosed
	}
}

// Close tears down the event handlers exactly once and stops the loop.
func (s *Synchronizer) Close() error {
	s.closeOnce.Do(func() {
		for _, off := range s.offs {
			off()
		}
		close(s.quit)
		<-s.stopped

		s.mu.Lock()
		for ch := range s.subs {
			close(ch)
		}
		s.subs = map[chan Update]struct{}{}
		s.mu.Unlock()
		log.Debug().Str("device_id", s.cfg.LocalID).Msg("[sync] closed")
	})
	return nil
}

func (s *Synchronizer) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.work:
			fn()
		}
	}
}

// do hands fn to the loop.
func (s *Synchronizer) do(ctx context.Context, fn func()) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.work <- fn:
		return nil
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relay adapts a loop-side handler to a session handler. Events arriving after
// Close are discarded.
func (s *Synchronizer) relay(apply func(json.RawMessage)) transport.HandlerFunc {
	return func(data json.RawMessage) {
		_ = s.do(context.Background(), func() { apply(data) })
	}
}

func (s *Synchronizer) send(text string) (model.Message, error) {
	if err := s.validate(text); err != nil {
		s.cfg.Metrics.Rejected(rejectReason(err))
		return model.Message{}, err
	}

	msg := model.NewOutgoing(text, s.cfg.LocalID, s.cfg.Now())
	if err := s.cfg.Session.Emit(model.EventChatMessage, msg); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			err = ErrNotConnected
		}
		s.cfg.Metrics.Rejected(rejectReason(err))
		log.Warn().Err(err).Msg("[sync] send failed")
		return model.Message{}, err
	}
	s.cfg.Metrics.Sent()

	msg.Key = s.cfg.Keys.Generate()
	s.append(msg, OriginLocal)
	return msg, nil
}

func (s *Synchronizer) validate(text string) error {
	switch {
	case model.IsBlank(text):
		return ErrEmptyText
	case model.TextLength(text) > model.MaxTextLength:
		return ErrTextTooLong
	case s.cfg.LocalID == "":
		return ErrIdentityUnresolved
	case s.cfg.Session.State() != model.Connected:
		return ErrNotConnected
	}
	return nil
}

func (s *Synchronizer) applySnapshot(data json.RawMessage) {
	var records []model.Message
	if err := json.Unmarshal(data, &records); err != nil {
		log.Warn().Err(err).Msg("[sync] bad previousMessages payload")
		return
	}

	valid := lo.Filter(records, func(m model.Message, _ int) bool { return m.Sender != "" })
	if dropped := len(records) - len(valid); dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("[sync] snapshot records without sender")
	}
	snapshot := lo.Map(valid, func(m model.Message, _ int) model.Message {
		m = m.Attribute(s.cfg.LocalID)
		m.Key = s.cfg.Keys.Generate()
		return m
	})

	s.mu.Lock()
	s.log = snapshot
	s.mu.Unlock()

	out := make([]model.Message, len(snapshot))
	copy(out, snapshot)
	s.publish(Update{Kind: UpdateSnapshot, Messages: out})
	log.Info().Int("messages", len(snapshot)).Msg("[sync] history replaced")
}

func (s *Synchronizer) applyMessage(data json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("[sync] bad message payload")
		return
	}
	if msg.Sender == "" {
		log.Warn().Msg("[sync] dropping message without sender")
		return
	}
	msg = msg.Attribute(s.cfg.LocalID)
	msg.Key = s.cfg.Keys.Generate()
	s.cfg.Metrics.Received()

	s.append(msg, OriginRelay)
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}
}

func (s *Synchronizer) applyStatus(data json.RawMessage) {
	var p model.UserStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || !p.Status.Valid() {
		log.Warn().RawJSON("payload", data).Msg("[sync] bad userStatus payload")
		return
	}
	s.mu.Lock()
	s.presence = p.Status
	s.mu.Unlock()
	s.publish(Update{Kind: UpdatePresence, Presence: p.Status})
	if s.cfg.OnPresence != nil {
		s.cfg.OnPresence(p.Status)
	}
}

func (s *Synchronizer) applyError(data json.RawMessage) {
	var e model.RelayError
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().RawJSON("payload", data).Msg("[sync] relay error")
		return
	}
	log.Warn().Str("code", e.Code).Msgf("[sync] relay error: %s", e.Message)
}

func (s *Synchronizer) append(msg model.Message, origin Origin) {
	s.mu.Lock()
	s.log = append(s.log, msg)
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateAppend, Message: msg, Origin: origin})
}

func (s *Synchronizer) publish(u Update) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- u:
		default:
			s.cfg.Metrics.DroppedUpdate()
			log.Debug().Int("kind", int(u.Kind)).Msg("[sync] subscriber full, update dropped")
		}
	}
}
