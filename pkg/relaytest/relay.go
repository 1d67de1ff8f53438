// Package relaytest runs an in-process relay that speaks the client event
// protocol. It is a test double: one room, no persistence, no auth.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/connectify/pkg/model"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is one event the relay received from a client.
type Frame struct {
	Peer  int
	Event string
	Data  json.RawMessage
}

type peer struct {
	id   int
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

type Relay struct {
	server *httptest.Server

	mu       sync.Mutex
	peers    map[*peer]struct{}
	nextPeer int
	frames   []Frame
	attempts int
	reject   bool
	snapshot []json.RawMessage
	echo     bool
	headers  []http.Header
}

type Option func(*Relay)

// WithSnapshot makes the relay answer every registerDevice with a previousMessages
// event carrying records. Records are marshaled as given, so tests can include
// fields the client must ignore.
func WithSnapshot(records ...any) Option {
	return func(r *Relay) {
		r.snapshot = marshalAll(records)
	}
}

// WithEcho broadcasts every chatMessage back to all peers as a message event,
// including the sender.
func WithEcho() Option {
	return func(r *Relay) { r.echo = true }
}

func New(t testing.TB, opts ...Option) *Relay {
	t.Helper()
	r := &Relay{peers: make(map[*peer]struct{})}
	for _, opt := range opts {
		opt(r)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.serveWS)
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.Close)
	return r
}

// URL is the websocket endpoint of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

func (r *Relay) Close() {
	r.DropAll()
	r.server.Close()
}

// SetReject makes the relay refuse (or accept again) websocket upgrades.
func (r *Relay) SetReject(v bool) {
	r.mu.Lock()
	r.reject = v
	r.mu.Unlock()
}

func (r *Relay) SetSnapshot(records ...any) {
	raw := marshalAll(records)
	r.mu.Lock()
	r.snapshot = raw
	r.mu.Unlock()
}

// Attempts counts upgrade requests, accepted or not.
func (r *Relay) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Relay) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Headers returns the request headers of every upgrade attempt.
func (r *Relay) Headers() []http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]http.Header, len(r.headers))
	copy(out, r.headers)
	return out
}

// Frames returns received frames for event, or all frames when event is empty.
func (r *Relay) Frames(event string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Frame
	for _, f := range r.frames {
		if event == "" || f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (r *Relay) Count(event string) int {
	return len(r.Frames(event))
}

// Broadcast sends one event to every connected peer.
func (r *Relay) Broadcast(event string, payload any) error {
	frame, err := frameOf(event, payload)
	if err != nil {
		return err
	}
	for _, p := range r.snapshotPeers() {
		if err := p.send(frame); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw writes an arbitrary text frame to every peer.
func (r *Relay) SendRaw(frame string) {
	for _, p := range r.snapshotPeers() {
		_ = p.send([]byte(frame))
	}
}

// DropAll closes every peer connection without a close handshake.
func (r *Relay) DropAll() {
	for _, p := range r.snapshotPeers() {
		_ = p.conn.Close()
	}
}

func (r *Relay) snapshotPeers() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.attempts++
	r.headers = append(r.headers, req.Header.Clone())
	reject := r.reject
	r.mu.Unlock()
	if reject {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.nextPeer++
	p := &peer{id: r.nextPeer, conn: conn}
	r.peers[p] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.peers, p)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		r.mu.Lock()
		r.frames = append(r.frames, Frame{Peer: p.id, Event: env.Event, Data: env.Data})
		snapshot := r.snapshot
		echo := r.echo
		r.mu.Unlock()

		switch env.Event {
		case model.EventRegisterDevice:
			if snapshot != nil {
				if frame, err := frameOf(model.EventPreviousMessages, snapshot); err == nil {
					_ = p.send(frame)
				}
			}
		case model.EventChatMessage:
			if echo {
				_ = r.Broadcast(model.EventMessage, env.Data)
			}
		case model.EventPushSubscription:
			if frame, err := frameOf(model.EventPushSubscriptionAck, model.PushSubscriptionAck{OK: true}); err == nil {
				_ = p.send(frame)
			}
		}
	}
}

func frameOf(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Event: event, Data: data})
}

func marshalAll(records []any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}
