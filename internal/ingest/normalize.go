package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/casegraph/workspace/internal/store"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// canonicalHeaderKey lower-cases and strips non-alphanumerics, so
// "Sent At", "sent_at", and "SentAt" all map to the same token before
// synonym lookup, per spec §4.5 step 1.
func canonicalHeaderKey(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
}

// headerSynonyms maps a canonical header token to the logical column
// it represents.
var headerSynonyms = map[string]string{
	"timestamp": "timestamp", "date": "timestamp", "sentat": "timestamp",
	"createdat": "timestamp", "datetime": "timestamp", "time": "timestamp",
	"direction": "direction", "type": "direction", "inout": "direction",
	"sender": "sender", "from": "sender", "author": "sender",
	"recipients": "recipients", "to": "recipients", "recipient": "recipients",
	"body": "body", "message": "body", "text": "body", "content": "body",
	"deleted": "deleted", "isdeleted": "deleted",
	"threadkey": "threadkey", "conversationid": "threadkey", "chatid": "threadkey",
	"platform": "platform", "source": "platform", "app": "platform",
	"threadtitle": "threadtitle", "conversationname": "threadtitle", "chatname": "threadtitle",
}

// logicalColumn resolves a raw header cell to one of the canonical
// logical columns, or "" if unrecognized.
func logicalColumn(header string) string {
	return headerSynonyms[canonicalHeaderKey(header)]
}

// preferredSheetNames is the fixed, case-insensitive, first-match-wins
// candidate list from spec §4.5.
var preferredSheetNames = []string{"Messages", "SMS", "iMessage", "Chats", "Chat", "WhatsApp", "Signal", "Instagram"}

// platformSubstrings maps lowercase substrings to canonical platforms,
// checked in order so more specific names win.
var platformSubstrings = []struct {
	substr   string
	platform store.Platform
}{
	{"imessage", store.PlatformIMessage},
	{"whatsapp", store.PlatformWhatsApp},
	{"signal", store.PlatformSignal},
	{"instagram", store.PlatformInstagram},
	{"sms", store.PlatformSMS},
}

// NormalizePlatform maps a free-text platform hint (cell value or
// sheet name) to a canonical Platform.
func NormalizePlatform(hint string) store.Platform {
	lower := strings.ToLower(hint)
	for _, m := range platformSubstrings {
		if strings.Contains(lower, m.substr) {
			return m.platform
		}
	}
	return store.PlatformOther
}

// canonicalIdentifierSet lower-cases, splits on ,;|, dedups, and sorts
// a single identifier field. DeriveThreadKey does not use it; it hashes
// canonicalParticipantSet instead.
func canonicalIdentifierSet(raw string) []string {
	parts := splitIdentifiers(raw)
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

var identifierSplitRe = regexp.MustCompile(`[,;|]`)

func splitIdentifiers(raw string) []string {
	return identifierSplitRe.Split(raw, -1)
}

// canonicalParticipantSet merges sender and recipients into one
// deduped, sorted set of participants, independent of which side of
// the conversation each one was on. Sending and replying swap who is
// sender and who is recipient for the same two parties, so a
// direction-aware split would hash an inbound message and its reply
// into different thread keys; folding both sides into a single set
// first keeps the key symmetric.
func canonicalParticipantSet(sender, recipients string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range []string{sender, recipients} {
		for _, p := range splitIdentifiers(raw) {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// DeriveThreadKey computes the deterministic v1-prefixed thread key
// from platform and the canonicalized, direction-symmetric participant
// set, per spec §4.5 and the end-to-end scenario in §8: "v1:<12-byte
// hex of sha256(platform|participant|participant|...)>". See
// DESIGN.md's Open Question decisions for why this departs from §4.5's
// literal senderSet/recipientSet split.
func DeriveThreadKey(platform store.Platform, sender, recipients string) string {
	participants := canonicalParticipantSet(sender, recipients)
	material := string(platform) + "|" + strings.Join(participants, "|")
	sum := sha256.Sum256([]byte(material))
	return "v1:" + hex.EncodeToString(sum[:12])
}

// NormalizeDirection maps a free-text direction cell to a canonical
// MessageDirection by substring, per spec §4.5.
func NormalizeDirection(raw string) store.MessageDirection {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "out"):
		return store.DirectionOutgoing
	case strings.Contains(lower, "in"):
		return store.DirectionIncoming
	default:
		return store.DirectionUnknown
	}
}

var truthyDeletedValues = map[string]bool{
	"1": true, "true": true, "yes": true, "y": true, "deleted": true,
}

// IsTruthyDeleted reports whether raw signals a deleted message.
func IsTruthyDeleted(raw string) bool {
	return truthyDeletedValues[strings.ToLower(strings.TrimSpace(raw))]
}

// ParseMessageTimestamp parses an ISO-8601-ish timestamp, falling back
// to an OLE Automation date serial (days since 1899-12-30) for
// spreadsheet exports that store dates as numbers.
func ParseMessageTimestamp(raw string) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, true
		}
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t := oleAutomationToTime(serial)
		return &t, true
	}
	return nil, false
}

var oleEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

func oleAutomationToTime(serial float64) time.Time {
	days := int64(serial)
	fraction := serial - float64(days)
	secs := int64(fraction * 86400)
	return oleEpoch.AddDate(0, 0, int(days)).Add(time.Duration(secs) * time.Second).UTC()
}

// ClassifyIdentifierKind classifies a message participant: email if it
// contains '@', phone if it has at least 7 digits, handle otherwise.
// The '@' test comes first here, whereas identnorm.Classify checks the
// digit count first.
func ClassifyIdentifierKind(raw string) store.ParticipantKind {
	if strings.Contains(raw, "@") {
		return store.ParticipantKindEmail
	}
	digits := 0
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits >= 7 {
		return store.ParticipantKindPhone
	}
	return store.ParticipantKindHandle
}
