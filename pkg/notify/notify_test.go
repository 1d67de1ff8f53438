package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/connectify/pkg/metrics"
	"github.com/mahaj/connectify/pkg/model"
)

const localID = "me-1"

var permissions = []model.Permission{model.PermissionDefault, model.PermissionGranted, model.PermissionDenied}

func TestDecideNeverNotifiesSelfOrVisible(t *testing.T) {
	t.Parallel()
	for _, sender := range []string{localID, "other-1"} {
		for _, perm := range permissions {
			for _, visible := range []bool{true, false} {
				d := Decide(model.Message{Sender: sender, Text: "hi"}, localID, perm, visible)
				if sender == localID {
					assert.Equal(t, Decision{}, d, "self message %s/%v", perm, visible)
					continue
				}
				assert.True(t, d.PlaySound)
				want := perm == model.PermissionGranted && !visible
				assert.Equal(t, want, d.ShowNotification, "%s/%v", perm, visible)
			}
		}
	}
}

func TestDecideBody(t *testing.T) {
	t.Parallel()
	d := Decide(model.Message{Sender: "other-1", Text: "hi"}, localID, model.PermissionGranted, false)
	assert.Equal(t, Title, d.Title)
	assert.Equal(t, "Other: hi", d.Body)
}

type fakeSound struct {
	mu    sync.Mutex
	plays int
	err   error
}

func (f *fakeSound) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return f.err
}

type fakeNotifier struct {
	mu        sync.Mutex
	shown     []Notification
	dismissed []string
	err       error
}

func (f *fakeNotifier) Show(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakeNotifier) Dismiss(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, tag)
	return nil
}

type fakeFocuser struct {
	urls []string
}

func (f *fakeFocuser) Focus(_ context.Context, url string) error {
	f.urls = append(f.urls, url)
	return nil
}

func TestDispatchHiddenGrantedRaisesOneNotification(t *testing.T) {
	t.Parallel()
	sound := &fakeSound{}
	notifier := &fakeNotifier{}
	m := metrics.New()
	d := NewDispatcher(DispatcherConfig{
		LocalID:     localID,
		Permissions: NewPermissions(model.PermissionGranted, nil),
		Visibility:  NewVisibility(false),
		Sound:       sound,
		Notifier:    notifier,
		Metrics:     m,
	})

	d.Dispatch(t.Context(), model.Message{Sender: "other-1", Text: "hi", Timestamp: "2026-03-01T12:00:00.000Z"})

	require.Len(t, notifier.shown, 1)
	assert.Contains(t, notifier.shown[0].Body, "hi")
	assert.Equal(t, Tag, notifier.shown[0].Tag)
	assert.Equal(t, 1, sound.plays)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("notification")))
}

func TestDispatchSwallowsFailures(t *testing.T) {
	t.Parallel()
	sound := &fakeSound{err: errors.New("autoplay blocked")}
	notifier := &fakeNotifier{err: errors.New("no display")}
	d := NewDispatcher(DispatcherConfig{
		LocalID:     localID,
		Permissions: NewPermissions(model.PermissionGranted, nil),
		Visibility:  NewVisibility(false),
		Sound:       sound,
		Notifier:    notifier,
	})

	var dec Decision
	assert.NotPanics(t, func() {
		dec = d.Dispatch(t.Context(), model.Message{Sender: "other-1", Text: "hi"})
	})
	assert.True(t, dec.ShowNotification)
	assert.Equal(t, 1, sound.plays)
}

func TestDispatchSelfIsSilent(t *testing.T) {
	t.Parallel()
	sound := &fakeSound{}
	notifier := &fakeNotifier{}
	d := NewDispatcher(DispatcherConfig{
		LocalID:     localID,
		Permissions: NewPermissions(model.PermissionGranted, nil),
		Visibility:  NewVisibility(false),
		Sound:       sound,
		Notifier:    notifier,
	})

	d.Dispatch(t.Context(), model.Message{Sender: localID, Text: "hi"})
	assert.Zero(t, sound.plays)
	assert.Empty(t, notifier.shown)
}

func TestClickDismissesAndFocuses(t *testing.T) {
	t.Parallel()
	notifier := &fakeNotifier{}
	focuser := &fakeFocuser{}
	n := Notification{Tag: Tag, URL: "/"}

	Click(t.Context(), notifier, focuser, n, ActionClose)
	assert.Equal(t, []string{Tag}, notifier.dismissed)
	assert.Empty(t, focuser.urls)

	Click(t.Context(), notifier, focuser, n, ActionOpen)
	Click(t.Context(), notifier, focuser, n, "")
	assert.Equal(t, []string{"/", "/"}, focuser.urls)
	assert.Len(t, notifier.dismissed, 3)
}

func TestVisibilityFocus(t *testing.T) {
	t.Parallel()
	vis := NewVisibility(false)
	d := NewDispatcher(DispatcherConfig{LocalID: localID, Visibility: vis})
	d.Click(t.Context(), Notification{}, ActionOpen)
	assert.True(t, vis.Visible())
}

type countingPrompter struct {
	calls  int
	answer model.Permission
}

func (c *countingPrompter) Prompt(context.Context) (model.Permission, error) {
	c.calls++
	return c.answer, nil
}

func TestAutoRequestPromptsAtMostOnce(t *testing.T) {
	t.Parallel()
	p := &countingPrompter{answer: model.PermissionDefault}
	perms := NewPermissions(model.PermissionDefault, p)

	assert.Equal(t, model.PermissionDefault, perms.AutoRequest(t.Context()))
	assert.Equal(t, model.PermissionDefault, perms.AutoRequest(t.Context()))
	assert.Equal(t, 1, p.calls)

	p.answer = model.PermissionGranted
	st, err := perms.Request(t.Context())
	require.NoError(t, err)
	assert.Equal(t, model.PermissionGranted, st)
	assert.Equal(t, 2, p.calls)
}

func TestAutoRequestSkipsDecidedPermission(t *testing.T) {
	t.Parallel()
	p := &countingPrompter{answer: model.PermissionGranted}
	perms := NewPermissions(model.PermissionDenied, p)

	assert.Equal(t, model.PermissionDenied, perms.AutoRequest(t.Context()))
	st, err := perms.Request(t.Context())
	require.NoError(t, err)
	assert.Equal(t, model.PermissionDenied, st)
	assert.Zero(t, p.calls)
	assert.Equal(t, DeniedAdvisory, perms.Advisory())
}

func TestRequestKeepsStateOnPromptError(t *testing.T) {
	t.Parallel()
	perms := NewPermissions("", PromptFunc(func(context.Context) (model.Permission, error) {
		return "", errors.New("no tty")
	}))
	st, err := perms.Request(t.Context())
	require.Error(t, err)
	assert.Equal(t, model.PermissionDefault, st)
	assert.Empty(t, perms.Advisory())
}

func TestTerminalOutputs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, TerminalBell{W: &buf}.Play(t.Context()))
	assert.Equal(t, "\a", buf.String())

	buf.Reset()
	n := &TerminalNotifier{W: &buf}
	require.NoError(t, n.Show(t.Context(), Notification{Title: Title, Body: "Other: hi"}))
	assert.Contains(t, buf.String(), "New Message")
	assert.Contains(t, buf.String(), "Other: hi")

	pending, ok := n.Pending()
	require.True(t, ok)
	assert.Equal(t, "Other: hi", pending.Body)
	require.NoError(t, n.Dismiss(t.Context(), "other-tag"))
	_, ok = n.Pending()
	assert.True(t, ok)
}

func TestTerminalNotifierStripsEscapes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	notifier := &TerminalNotifier{W: &buf}
	d := NewDispatcher(DispatcherConfig{
		LocalID:     localID,
		Permissions: NewPermissions(model.PermissionGranted, nil),
		Visibility:  NewVisibility(false),
		Notifier:    notifier,
	})

	d.Dispatch(t.Context(), model.Message{Sender: "other-1", Text: "hi\x1b[2J\x1b]0;pwned\a\rX"})

	assert.Equal(t, "\x1b[7m New Message \x1b[0m Other: hi[2J]0;pwnedX\n", buf.String())
	assert.NotContains(t, strings.TrimSuffix(buf.String(), "\n"), "\r")

	buf.Reset()
	require.NoError(t, notifier.Show(t.Context(), Notification{Title: "\x1b[31mred\x07", Body: "a\nb"}))
	assert.Equal(t, "\x1b[7m [31mred \x1b[0m ab\n", buf.String())
}

func TestClickClearsPendingBanner(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	notifier := &TerminalNotifier{W: &buf}
	focuser := &fakeFocuser{}
	d := NewDispatcher(DispatcherConfig{
		LocalID:     localID,
		Permissions: NewPermissions(model.PermissionGranted, nil),
		Visibility:  NewVisibility(false),
		Notifier:    notifier,
		Focuser:     focuser,
		URL:         "/",
	})
	d.Dispatch(t.Context(), model.Message{Sender: "other-1", Text: "hi"})

	n, ok := notifier.Pending()
	require.True(t, ok)
	d.Click(t.Context(), n, ActionClose)
	_, ok = notifier.Pending()
	assert.False(t, ok)
	assert.Empty(t, focuser.urls)
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hi there", Sanitize("  hi\x1b there\n", 100))
	assert.Equal(t, "héllo", Sanitize("héllo wörld", 5))
	assert.Equal(t, "", Sanitize("", 10))
	assert.Equal(t, "🙂 ok", Sanitize("🙂 ok\u0007", 10))
}
