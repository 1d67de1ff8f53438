package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTextLength is the longest chat text, in characters, the client will send.
const MaxTextLength = 500

// TimestampLayout matches the ISO-8601 form browsers produce with toISOString.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one entry of the chat log.
//
// IsMe and Key are local-only: IsMe is always recomputed against the local device
// identity and any flag a relay sends is ignored.
type Message struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`

	IsMe bool  `json:"-"`
	Key  int64 `json:"-"`
}

// Attribute returns a copy of m with IsMe computed against localID.
func (m Message) Attribute(localID string) Message {
	m.IsMe = localID != "" && m.Sender == localID
	return m
}

// Time parses the timestamp. Unparseable timestamps yield the zero time.
func (m Message) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewOutgoing builds a locally authored message stamped with now.
func NewOutgoing(text, sender string, now time.Time) Message {
	return Message{
		Text:      text,
		Sender:    sender,
		Timestamp: FormatTimestamp(now),
		IsMe:      true,
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// TextLength counts characters, not bytes.
func TextLength(text string) int {
	return utf8.RuneCountInString(text)
}

// IsBlank reports whether text has nothing but whitespace.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
