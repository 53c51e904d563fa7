// Package identnorm implements the identifier normalization rules
// shared by the Target Registry and the Presence Index, per spec
// §4.6's "Identifier normalization."
package identnorm

import (
	"strings"

	"github.com/casegraph/workspace/internal/store"
)

// Normalize applies the type-specific normalization rule and reports
// whether the result is non-empty (empty-normalized values are
// rejected by callers per spec §4.6).
func Normalize(t store.IdentifierType, raw string) (string, bool) {
	switch t {
	case store.IdentifierTypePhone:
		return normalizePhone(raw)
	case store.IdentifierTypeEmail:
		v := strings.ToLower(strings.TrimSpace(raw))
		return v, v != ""
	case store.IdentifierTypeSocialHandle:
		v := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
		return v, v != ""
	default:
		v := strings.TrimSpace(raw)
		return v, v != ""
	}
}

func normalizePhone(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	if strings.HasPrefix(raw, "+") {
		b.WriteByte('+')
	}
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	v := b.String()
	if v == "+" {
		return "", false
	}
	return v, v != ""
}

// Classify infers an IdentifierType from a raw participant token:
// phone if it has at least 7 digits, email if it contains '@', social
// handle otherwise, per spec §4.6's LinkMessageParticipant rule (note
// the precedence: digit count is checked before '@').
func Classify(raw string) store.IdentifierType {
	digits := 0
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits >= 7 {
		return store.IdentifierTypePhone
	}
	if strings.Contains(raw, "@") {
		return store.IdentifierTypeEmail
	}
	return store.IdentifierTypeSocialHandle
}
