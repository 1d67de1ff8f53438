package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mahaj/connectify/pkg/chatsync"
	"github.com/mahaj/connectify/pkg/model"
	"github.com/mahaj/connectify/pkg/notify"
	"github.com/mahaj/connectify/pkg/snowflake"
)

// formatRow renders one log entry as "HH:MM You: text". Entries with an
// unreadable timestamp fall back to the time their key was assigned.
func formatRow(m model.Message, localID string) string {
	clock := "--:--"
	if t := m.Time(); !t.IsZero() {
		clock = t.Local().Format("15:04")
	} else if m.Key != 0 {
		clock = snowflake.Time(m.Key).Local().Format("15:04")
	}
	label := notify.DefaultLabel(m, localID)
	return fmt.Sprintf("%s %s: %s", clock, label, notify.Sanitize(m.Text, model.MaxTextLength))
}

type command struct {
	name string
	arg  string
}

// parseCommand splits a "/name arg" input line. Plain text is not a command.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

// unescapeSlash lets "//text" send a message starting with a slash.
func unescapeSlash(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "//") {
		return strings.TrimPrefix(strings.TrimSpace(line), "/")
	}
	return line
}

const helpText = `commands:
  /away      hide the chat (notifications on)
  /back      show the chat again
  /open      open the chat from the last notification
  /dismiss   dismiss the last notification
  /notify    ask for notification permission
  /push      retry the push subscription
  /status    connection and presence
  /quit      leave`

// console serializes writes of the chat view. The bell and the notification
// banner write through it too.
type console struct {
	mu      sync.Mutex
	w       io.Writer
	localID string
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *console) render(u chatsync.Update) {
	switch u.Kind {
	case chatsync.UpdateSnapshot:
		c.printf("--- %d earlier messages ---", len(u.Messages))
		for _, m := range u.Messages {
			c.printf("%s", formatRow(m, c.localID))
		}
	case chatsync.UpdateAppend:
		c.printf("%s", formatRow(u.Message, c.localID))
	case chatsync.UpdatePresence:
		c.printf("* relay reports you %s", u.Presence)
	}
}
