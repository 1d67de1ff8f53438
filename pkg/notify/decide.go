// Package notify decides and performs the per-message side effects of an inbound
// chat message: an audible cue and, while the chat is not in view, a system
// notification.
package notify

import (
	"github.com/mahaj/connectify/pkg/model"
)

const (
	Title = "New Message"
	Tag   = "chat-notification"

	ActionOpen  = "open"
	ActionClose = "close"
)

// SenderLabel renders the sender part of a notification body.
type SenderLabel func(msg model.Message, localID string) string

// DefaultLabel is "You" for the local device and "Other" for everyone else.
func DefaultLabel(msg model.Message, localID string) string {
	if msg.Sender == localID {
		return "You"
	}
	return "Other"
}

type Decision struct {
	PlaySound        bool
	ShowNotification bool
	Title            string
	Body             string
}

// Decide is the notification policy. Self-originated messages produce nothing,
// other messages always get the sound, and a notification is added only with a
// granted permission while the page is hidden.
func Decide(msg model.Message, localID string, perm model.Permission, visible bool) Decision {
	return decide(DefaultLabel, msg, localID, perm, visible)
}

func decide(label SenderLabel, msg model.Message, localID string, perm model.Permission, visible bool) Decision {
	if msg.Sender == localID {
		return Decision{}
	}
	d := Decision{PlaySound: true}
	if perm == model.PermissionGranted && !visible {
		d.ShowNotification = true
		d.Title = Title
		d.Body = label(msg, localID) + ": " + msg.Text
	}
	return d
}
