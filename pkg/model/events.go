package model

import "encoding/json"

// Client to relay events.
const (
	EventRegisterDevice   = "registerDevice"
	EventUnregisterDevice = "unregisterDevice"
	EventChatMessage      = "chatMessage"
	EventPushSubscription = "pushSubscription"
)

// Relay to client events.
const (
	EventPreviousMessages    = "previousMessages"
	EventMessage             = "message"
	EventUserStatus          = "userStatus"
	EventError               = "error"
	EventPushSubscriptionAck = "pushSubscriptionAck"
)

// Envelope is a single frame on the event channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type DevicePayload struct {
	DeviceID string `json:"deviceId"`
}

type PushSubscriptionPayload struct {
	Subscription PushSubscription `json:"subscription"`
}

type UserStatusPayload struct {
	Status PresenceState `json:"status"`
}

// RelayError is the payload of an inbound error event.
type RelayError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type PushSubscriptionAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
