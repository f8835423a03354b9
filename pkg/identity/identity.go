// Package identity derives the lookup keys a contact observation is matched on.
// It is the only place that inspects raw channel identifier strings.
package identity

import (
	"strings"
	"unicode"

	"github.com/Ramsey-B/fern/pkg/models"
)

// LIDSuffix marks a channel-issued linked identifier.
const LIDSuffix = "@lid"

// Keys is the normalized key set derived from one observation. Never persisted.
type Keys struct {
	Number         string
	LID            *string
	EmbeddedNumber *string
}

// HasLID reports whether a LID was observed.
func (k Keys) HasLID() bool {
	return k.LID != nil
}

// Derive normalizes a raw address and optional LID. Group addresses are kept as-is.
func Derive(address string, isGroup bool, lid string) Keys {
	keys := Keys{Number: address}
	if !isGroup {
		keys.Number = DigitsOnly(address)
	}

	lid = strings.TrimSpace(lid)
	if lid == "" {
		return keys
	}
	keys.LID = &lid

	if embedded, ok := EmbeddedNumber(lid); ok {
		keys.EmbeddedNumber = &embedded
	}
	return keys
}

// EmbeddedNumber extracts the digits of `<localPart>@lid`, dropping any `:device` suffix.
func EmbeddedNumber(lid string) (string, bool) {
	local, ok := strings.CutSuffix(lid, LIDSuffix)
	if !ok || local == "" {
		return "", false
	}
	if idx := strings.Index(local, ":"); idx >= 0 {
		local = local[:idx]
	}
	digits := DigitsOnly(local)
	if digits == "" {
		return "", false
	}
	return digits, true
}

// SynthesizeLID builds the LID a contact keyed only by number is given when absorbing a duplicate.
func SynthesizeLID(number string) string {
	return number + LIDSuffix
}

// IsLIDKeyed reports whether the contact's number was taken from a LID rather than a real phone number.
func IsLIDKeyed(contact models.Contact) bool {
	if contact.IsGroup || contact.Number == "" {
		return false
	}
	if embedded, ok := EmbeddedNumber(contact.LIDValue()); ok && embedded == contact.Number {
		return true
	}
	if contact.RemoteJID != nil {
		if embedded, ok := EmbeddedNumber(*contact.RemoteJID); ok && embedded == contact.Number {
			return true
		}
	}
	return false
}

// DigitsOnly removes every non-digit rune.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Suffix returns the last n digits of number, or all of them when shorter.
func Suffix(number string, n int) string {
	digits := DigitsOnly(number)
	if n <= 0 || len(digits) <= n {
		return digits
	}
	return digits[len(digits)-n:]
}
