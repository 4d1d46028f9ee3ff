// Package jid normalizes phone numbers and chat identifiers into the
// @c.us form the WhatsApp transport expects. Numbers are assumed to be
// Indonesian unless already fully qualified.
package jid

import (
	"errors"
	"fmt"
	"strings"
)

// UserSuffix is the server part appended to bare phone numbers.
const UserSuffix = "@c.us"

// GroupSuffix marks group chats; such identifiers pass through untouched.
const GroupSuffix = "@g.us"

var ErrEmpty = errors.New("Empty JID")

// Normalize converts raw into a routable JID. Anything already carrying a
// server part (an @) is trusted as-is; bare digits are coerced to the 62
// country prefix.
func Normalize(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmpty
	}

	if strings.Contains(raw, "@") {
		return raw, nil
	}

	digits := stripNonDigits(raw)

	switch {
	case strings.HasPrefix(digits, "62"):
		// already fully qualified
	case strings.HasPrefix(digits, "0"):
		digits = "62" + digits[1:]
	case strings.HasPrefix(digits, "8"):
		digits = "62" + digits
	default:
		return "", fmt.Errorf("Unsupported phone number format: %s", raw)
	}

	return digits + UserSuffix, nil
}

// Digits returns only the numeric characters of a JID or phone number.
// Used for fuzzy matching of group participants against mention lists,
// where one side may carry a server part or a + prefix.
func Digits(s string) string {
	return stripNonDigits(s)
}

// IsGroup reports whether the identifier addresses a group chat.
func IsGroup(s string) bool {
	return strings.HasSuffix(s, GroupSuffix)
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
