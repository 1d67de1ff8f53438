// Package transport owns the live event channel to the relay.
//
// A Session dials a websocket, registers the device on every successful connection,
// dispatches inbound frames to handlers keyed by event name and reconnects with a
// bounded fixed-delay policy. Once the retry budget is spent the session stays
// Disconnected; a new Session is needed to connect again.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/metrics"
	"github.com/mahaj/connectify/pkg/model"
)

const (
	DefaultAttempts         = 5
	DefaultDelay            = time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	// Time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the relay.
	defaultPongWait = 60 * time.Second

	// Largest inbound frame; a history snapshot can be large.
	maxFrameSize = 1 << 20
)

type Config struct {
	URL      string
	DeviceID string

	// Header is sent on every dial, e.g. an Authorization header.
	Header http.Header

	Attempts         uint
	Delay            time.Duration
	HandshakeTimeout time.Duration
	PongWait         time.Duration

	Metrics *metrics.Core
}

// HandlerFunc receives the raw payload of one inbound event.
type HandlerFunc func(data json.RawMessage)

// StateFunc observes connection state transitions.
type StateFunc func(model.ConnectionState)

type handlerEntry struct {
	id uint64
	fn HandlerFunc
}

type Session struct {
	cfg      Config
	dialer   *websocket.Dialer
	pongWait time.Duration

	state atomic.Int32

	// writeMu serializes frame writes and guards conn.
	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	handlers map[string][]handlerEntry
	watchers map[uint64]StateFunc
	nextID   uint64
	started  bool
	closed   bool
	err      error

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.DeviceID == "" {
		return nil, ErrNoDevice
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		pongWait: pongWait,
		handlers: make(map[string][]handlerEntry),
		watchers: make(map[uint64]StateFunc),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.state.Store(int32(model.Disconnected))
	return s, nil
}

// Connect builds a session and connects it. Handlers registered after Connect
// returns may miss events the relay sends right after registration; register
// them on a session from New before calling (*Session).Connect instead.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect dials the relay, retrying per the configured budget, and starts the
// reader. It may be called once per Session.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("transport: session already started")
	}
	s.started = true
	s.mu.Unlock()

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	conn, err := s.dial(dctx, "connect")
	if err != nil {
		s.setState(model.Disconnected)
		if s.ctx.Err() != nil {
			s.finish(nil)
			return ErrClosed
		}
		s.finish(err)
		return err
	}

	go s.run(conn)
	return nil
}

func (s *Session) State() model.ConnectionState {
	return model.ConnectionState(s.state.Load())
}

func (s *Session) DeviceID() string {
	return s.cfg.DeviceID
}

// Done is closed when the session has ended for good, by Close or by running out
// of reconnect attempts.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal transport error, nil after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// On registers fn for an inbound event. Handlers for one session run one at a
// time on the reader goroutine, in frame order. The returned func unregisters.
func (s *Session) On(event string, fn HandlerFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.handlers[event]
		for i, e := range entries {
			if e.id == id {
				s.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(s.handlers[event]) == 0 {
			delete(s.handlers, event)
		}
	}
}

// OnState registers a state observer. It is called synchronously on every transition.
func (s *Session) OnState(fn StateFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Emit sends one event. Nothing is queued: while the session is not Connected
// Emit fails with ErrNotConnected.
func (s *Session) Emit(event string, payload any) error {
	if s.State() != model.Connected {
		return ErrNotConnected
	}
	frame, err := encode(event, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn := s.conn
	if conn == nil || s.State() != model.Connected {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		// the reader sees the closed conn and starts reconnecting
		_ = conn.Close()
		return &TransportError{Op: "emit " + event, URL: s.cfg.URL, Err: err}
	}
	return nil
}

// Close unregisters the device if connected, closes the channel, drops every
// listener and waits for the reader to stop or ctx to expire.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if s.State() == model.Connected {
		if err := s.Emit(model.EventUnregisterDevice, model.DevicePayload{DeviceID: s.cfg.DeviceID}); err != nil {
			log.Debug().Err(err).Msg("[session] unregister on close")
		}
	}

	s.cancel()
	s.writeMu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.conn = nil
	}
	s.writeMu.Unlock()

	if !started {
		s.finish(nil)
	}

	var err error
	select {
	case <-s.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.setState(model.Disconnected)
	s.mu.Lock()
	s.handlers = make(map[string][]handlerEntry)
	s.watchers = make(map[uint64]StateFunc)
	s.mu.Unlock()
	log.Info().Str("url", s.cfg.URL).Msg("[session] closed")
	return err
}

func (s *Session) run(conn *websocket.Conn) {
	for {
		err := s.serve(conn)
		if s.ctx.Err() != nil {
			s.finish(nil)
			return
		}
		log.Warn().Err(err).Str("url", s.cfg.URL).Msg("[session] connection lost, reconnecting")

		s.writeMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.writeMu.Unlock()

		next, err := s.dial(s.ctx, "reconnect")
		if err != nil {
			s.setState(model.Disconnected)
			if s.ctx.Err() != nil {
				s.finish(nil)
				return
			}
			log.Error().Err(err).Msg("[session] giving up; reload to connect again")
			s.finish(err)
			return
		}
		conn = next
	}
}

func (s *Session) dial(ctx context.Context, op string) (*websocket.Conn, error) {
	s.setState(model.Connecting)

	var conn *websocket.Conn
	attempts := 0
	err := retry.New(
		retry.Attempts(s.cfg.Attempts),
		retry.Delay(s.cfg.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		attempts++
		s.cfg.Metrics.DialAttempt()

		c, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		if err != nil {
			ev := log.Warn().Err(err).Int("attempt", attempts).Str("url", s.cfg.URL)
			if resp != nil {
				ev = ev.Int("status", resp.StatusCode)
			}
			ev.Msg("[session] dial failed")
			return err
		}
		if err := s.register(c); err != nil {
			_ = c.Close()
			log.Warn().Err(err).Int("attempt", attempts).Msg("[session] register device failed")
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, &TransportError{Op: op, URL: s.cfg.URL, Attempts: attempts, Err: err}
	}

	s.writeMu.Lock()
	if s.ctx.Err() != nil {
		s.writeMu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	s.conn = conn
	s.writeMu.Unlock()

	s.setState(model.Connected)
	log.Info().Str("url", s.cfg.URL).Int("attempt", attempts).Msg("[session] connected")
	return conn, nil
}

// register announces the device on a fresh connection before anyone else can write to it.
func (s *Session) register(conn *websocket.Conn) error {
	frame, err := encode(model.EventRegisterDevice, model.DevicePayload{DeviceID: s.cfg.DeviceID})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// serve reads frames until the connection fails.
func (s *Session) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := decode(frame)
		if err != nil {
			log.Warn().Err(err).Msg("[session] dropping frame")
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker((s.pongWait * 9) / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(env model.Envelope) {
	s.mu.Lock()
	entries := make([]handlerEntry, len(s.handlers[env.Event]))
	copy(entries, s.handlers[env.Event])
	s.mu.Unlock()

	if len(entries) == 0 {
		log.Debug().Str("event", env.Event).Msg("[session] no handler")
		return
	}
	for _, e := range entries {
		e.fn(env.Data)
	}
}

func (s *Session) setState(st model.ConnectionState) {
	if model.ConnectionState(s.state.Swap(int32(st))) == st {
		return
	}
	s.cfg.Metrics.State(st)

	s.mu.Lock()
	watchers := make([]StateFunc, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w(st)
	}
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
