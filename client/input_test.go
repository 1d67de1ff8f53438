package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/connectify/pkg/chatsync"
	"github.com/mahaj/connectify/pkg/model"
	"github.com/mahaj/connectify/pkg/notify"
	"github.com/mahaj/connectify/pkg/push"
	"github.com/mahaj/connectify/pkg/store"
	"github.com/mahaj/connectify/pkg/transport"
)

type stubSession struct {
	mu     sync.Mutex
	state  model.ConnectionState
	events []string
}

func (s *stubSession) On(string, transport.HandlerFunc) func() { return func() {} }

func (s *stubSession) Emit(event string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubSession) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSession) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == model.EventChatMessage {
			n++
		}
	}
	return n
}

func runInput(t *testing.T, state model.ConnectionState, input string, click func(context.Context, string) bool) (string, *stubSession, *chatsync.Synchronizer) {
	t.Helper()
	sess := &stubSession{state: state}
	chat, err := chatsync.New(chatsync.Config{Session: sess, LocalID: "me"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = chat.Close() })

	if click == nil {
		click = func(context.Context, string) bool { return false }
	}
	var buf bytes.Buffer
	out := &console{w: &buf, localID: "me"}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	readInput(ctx, strings.NewReader(input), cancel, out, chat, sess,
		notify.NewPermissions(model.PermissionGranted, nil), notify.NewVisibility(true), click, func() {})
	return buf.String(), sess, chat
}

func TestReadInputGatesSendOnConnection(t *testing.T) {
	t.Parallel()
	output, sess, chat := runInput(t, model.Disconnected, "hello\n   \n", nil)
	assert.Equal(t, "! disconnected, message not sent\n", output)
	assert.Zero(t, sess.sent())
	assert.Empty(t, chat.Messages())

	output, sess, chat = runInput(t, model.Connected, "hello\n//slash\n", nil)
	assert.Empty(t, output)
	assert.Equal(t, 2, sess.sent())
	msgs := chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "/slash", msgs[1].Text)
}

func TestReadInputOpenAndDismiss(t *testing.T) {
	t.Parallel()
	var actions []string
	pending := true
	click := func(_ context.Context, action string) bool {
		if !pending {
			return false
		}
		actions = append(actions, action)
		return true
	}

	output, _, _ := runInput(t, model.Connected, "/dismiss\n/open\n", click)
	assert.Equal(t, []string{notify.ActionClose, notify.ActionOpen}, actions)
	assert.Equal(t, "* back\n", output)

	pending = false
	output, _, _ = runInput(t, model.Connected, "/open\n", click)
	assert.Equal(t, "* no notification\n", output)
}

func TestClickPendingRoutesBySource(t *testing.T) {
	t.Parallel()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var buf bytes.Buffer
	notifier := &notify.TerminalNotifier{W: &buf}
	visibility := notify.NewVisibility(false)
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		LocalID:     "me",
		Permissions: notify.NewPermissions(model.PermissionGranted, nil),
		Visibility:  visibility,
		Notifier:    notifier,
	})
	platform := push.NewLocalPlatform(db, "http://localhost/push",
		push.WithNotifier(notifier), push.WithFocuser(visibility))

	assert.False(t, clickPending(t.Context(), notifier, dispatcher, platform, notify.ActionOpen))

	dispatcher.Dispatch(t.Context(), model.Message{Sender: "other", Text: "hi"})
	assert.True(t, clickPending(t.Context(), notifier, dispatcher, platform, notify.ActionOpen))
	assert.True(t, visibility.Visible())
	_, ok := notifier.Pending()
	assert.False(t, ok)

	visibility.SetVisible(false)
	require.NoError(t, platform.HandlePush(t.Context(), []byte(`{"title":"New Message","body":"Other: hey"}`)))
	assert.True(t, clickPending(t.Context(), notifier, dispatcher, platform, notify.ActionClose))
	assert.False(t, visibility.Visible())
	_, ok = notifier.Pending()
	assert.False(t, ok)
}
