package model

// PushSubscription is the credential issued by a push service. It is forwarded to
// the relay exactly as received.
type PushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime *int64               `json:"expirationTime"`
	Keys           PushSubscriptionKeys `json:"keys"`
}

type PushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s PushSubscription) IsZero() bool {
	return s.Endpoint == ""
}

// PushPayload is what the background worker expects in a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
}
