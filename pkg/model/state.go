package model

// ConnectionState of the transport session.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// PresenceState is reported by the relay; the last value wins.
type PresenceState string

const (
	Offline PresenceState = "offline"
	Online  PresenceState = "online"
)

func (p PresenceState) Valid() bool {
	return p == Offline || p == Online
}

// Permission mirrors the platform notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)
