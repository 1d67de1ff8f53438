package push

import (
	"crypto/ecdh"
	"encoding/base64"
	"strings"
)

// DecodeServerKey decodes a VAPID public key. Both base64 alphabets are accepted,
// with or without padding.
func DecodeServerKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingServerKey
	}
	key = strings.TrimRight(key, "=")
	key = strings.NewReplacer("+", "-", "/", "_").Replace(key)

	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return nil, &SubscriptionError{Op: "decode server key", Err: ErrInvalidServerKey}
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, &SubscriptionError{Op: "decode server key", Err: ErrInvalidServerKey}
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, &SubscriptionError{Op: "decode server key", Err: ErrInvalidServerKey}
	}
	return raw, nil
}
