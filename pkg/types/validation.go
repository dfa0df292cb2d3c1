package types

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidateTargetURL ensures the scenario target is a dialable WebSocket URL.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidTargetURL
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return ErrInvalidTargetURL
	}
	if u.Host == "" {
		return ErrInvalidTargetURL
	}
	return nil
}

// IsValidCheckName checks the name is non-empty, bounded and printable.
// FUNCTIONAL DISCOVERY: check names are report keys and database values,
// so control characters are rejected rather than escaped
func IsValidCheckName(name string) bool {
	if len(name) < 1 || len(name) > 200 {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// ParseMatchURL turns a server-pushed payload into the URL to probe.
// The payload must be UTF-8 and non-empty once surrounding whitespace is
// trimmed; anything else is a ProtocolError.
func ParseMatchURL(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", &ProtocolError{Reason: ErrInvalidUTF8, Payload: payload}
	}
	matchURL := strings.TrimSpace(string(payload))
	if matchURL == "" {
		return "", &ProtocolError{Reason: ErrEmptyPayload, Payload: payload}
	}
	return matchURL, nil
}
