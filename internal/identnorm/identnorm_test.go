package identnorm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casegraph/workspace/internal/store"
)

// --- Normalize ---

func TestNormalizePhoneStripsFormattingKeepsLeadingPlus(t *testing.T) {
	got, ok := Normalize(store.IdentifierTypePhone, "+1 (555) 123-4567")
	require.True(t, ok)
	require.Equal(t, "+15551234567", got)
}

func TestNormalizePhoneBareDigitsNoPlus(t *testing.T) {
	got, ok := Normalize(store.IdentifierTypePhone, "555.123.4567")
	require.True(t, ok)
	require.Equal(t, "5551234567", got)
}

func TestNormalizePhonePlusOnlyIsRejected(t *testing.T) {
	_, ok := Normalize(store.IdentifierTypePhone, "+ ")
	require.False(t, ok)
}

func TestNormalizeEmailLowercasesAndTrims(t *testing.T) {
	got, ok := Normalize(store.IdentifierTypeEmail, "  Jane.Doe@Example.COM ")
	require.True(t, ok)
	require.Equal(t, "jane.doe@example.com", got)
}

func TestNormalizeSocialHandleStripsLeadingAt(t *testing.T) {
	got, ok := Normalize(store.IdentifierTypeSocialHandle, "@JaneDoe")
	require.True(t, ok)
	require.Equal(t, "janedoe", got)
}

func TestNormalizeEmptyValuesRejected(t *testing.T) {
	for _, typ := range []store.IdentifierType{store.IdentifierTypePhone, store.IdentifierTypeEmail, store.IdentifierTypeSocialHandle} {
		_, ok := Normalize(typ, "   ")
		require.Falsef(t, ok, "type %s should reject blank input", typ)
	}
}

// --- Classify ---

func TestClassifyPrefersPhoneWhenSevenOrMoreDigits(t *testing.T) {
	// Has an '@' but also 10 digits; phone precedence wins per spec §4.6.
	require.Equal(t, store.IdentifierTypePhone, Classify("555-123-4567@sms.example"))
}

func TestClassifyEmailWhenFewerThanSevenDigits(t *testing.T) {
	require.Equal(t, store.IdentifierTypeEmail, Classify("jane@example.com"))
}

func TestClassifySocialHandleFallback(t *testing.T) {
	require.Equal(t, store.IdentifierTypeSocialHandle, Classify("jdoe99"))
}
