package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// maxBannerText bounds each banner field; a chat body is at most 500 characters
// plus the sender label.
const maxBannerText = 512

// TerminalBell rings the terminal bell.
type TerminalBell struct {
	W io.Writer
}

func (b TerminalBell) Play(context.Context) error {
	_, err := io.WriteString(b.W, "\a")
	return err
}

// TerminalNotifier prints notifications as a highlighted banner line. The last
// banner stays pending until it is dismissed so a command can act on it. W should
// serialize its writes with the rest of the terminal output.
type TerminalNotifier struct {
	W io.Writer

	mu      sync.Mutex
	pending *Notification
}

func (t *TerminalNotifier) Show(_ context.Context, n Notification) error {
	n.Title = Sanitize(n.Title, maxBannerText)
	n.Body = Sanitize(n.Body, maxBannerText)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = &n
	_, err := fmt.Fprintf(t.W, "\x1b[7m %s \x1b[0m %s\n", n.Title, n.Body)
	return err
}

// Dismiss drops the pending banner if it carries tag.
func (t *TerminalNotifier) Dismiss(_ context.Context, tag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil && t.pending.Tag == tag {
		t.pending = nil
	}
	return nil
}

// Pending returns the last banner that was not dismissed.
func (t *TerminalNotifier) Pending() (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return Notification{}, false
	}
	return *t.pending, true
}
