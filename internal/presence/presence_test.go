package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/store"
	"github.com/casegraph/workspace/internal/writegate"
)

// --- splitRecipients ---

func TestSplitRecipientsHandlesAllDelimiters(t *testing.T) {
	got := splitRecipients("a@example.com,b@example.com;c@example.com|d@example.com\ne@example.com")
	require.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}, got)
}

func TestSplitRecipientsSingleValueNoDelimiter(t *testing.T) {
	got := splitRecipients("a@example.com")
	require.Equal(t, []string{"a@example.com"}, got)
}

// --- matches ---

func TestMatchesNormalizesBeforeComparing(t *testing.T) {
	l := link{identifierType: store.IdentifierTypePhone, valueNormalized: "+15551234567"}
	require.True(t, matches(l, "+1 (555) 123-4567"))
	require.False(t, matches(l, "+15559999999"))
}

func TestMatchesEmailCaseInsensitive(t *testing.T) {
	l := link{identifierType: store.IdentifierTypeEmail, valueNormalized: "jane@example.com"}
	require.True(t, matches(l, "Jane@Example.com"))
}

// --- RebuildForCase, integration against a real temp-dir store ---

func newTestIndex(t *testing.T) (*Index, *store.Store, string) {
	t.Helper()
	paths := clockpath.Paths{Root: t.TempDir()}
	s, err := store.OpenAt(zap.NewNop(), clockpath.SystemClock{}, paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	gate := writegate.New()
	idx := New(s, gate, zap.NewNop())

	caseID := uuid.NewString()
	_, err = s.DB.Exec(`INSERT INTO Cases (CaseId, Name, CreatedAtUtc) VALUES (?, ?, ?)`,
		caseID, "Test Case", store.FormatTime(time.Now().UTC()))
	require.NoError(t, err)

	return idx, s, caseID
}

func seedEvidenceThreadAndMessage(t *testing.T, s *store.Store, caseID string, sender, recipients string) (evidenceID, messageEventID string) {
	t.Helper()
	evidenceID = uuid.NewString()
	_, err := s.DB.Exec(
		`INSERT INTO EvidenceItems (EvidenceItemId, CaseId, DisplayName, OriginalPath, OriginalFileName, AddedAtUtc, SizeBytes, Sha256Hex, FileExtension, SourceType, ManifestRelativePath, StoredRelativePath)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evidenceID, caseID, "evidence.xlsx", "/orig/evidence.xlsx", "evidence.xlsx",
		store.FormatTime(time.Now().UTC()), 100, "deadbeef", ".xlsx", string(store.SourceTypeXLSX), "manifest.json", "original/evidence.xlsx",
	)
	require.NoError(t, err)

	threadID := uuid.NewString()
	_, err = s.DB.Exec(
		`INSERT INTO MessageThreads (ThreadId, CaseId, EvidenceItemId, Platform, ThreadKey, Title, CreatedAtUtc, SourceLocator, IngestModuleVersion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		threadID, caseID, evidenceID, "WhatsApp", "thread-key-1", nil, store.FormatTime(time.Now().UTC()), "loc", 1,
	)
	require.NoError(t, err)

	messageEventID = uuid.NewString()
	_, err = s.DB.Exec(
		`INSERT INTO MessageEventRecord
			(MessageEventId, ThreadId, CaseId, EvidenceItemId, Platform, TimestampUtc, Direction,
			 Sender, Recipients, Body, IsDeleted, SourceLocator, IngestModuleVersion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageEventID, threadID, caseID, evidenceID, "WhatsApp", store.FormatTime(time.Now().UTC()), "Outgoing",
		sender, recipients, "hello", 0, "loc", 1,
	)
	require.NoError(t, err)
	return evidenceID, messageEventID
}

func seedTargetWithPhone(t *testing.T, s *store.Store, caseID, phoneNormalized string) (targetID, identifierID string) {
	t.Helper()
	targetID = uuid.NewString()
	_, err := s.DB.Exec(
		`INSERT INTO Targets (TargetId, CaseId, DisplayName, PrimaryAlias, Notes, CreatedAtUtc, UpdatedAtUtc, SourceType, SourceLocator, IngestModuleVersion, GlobalEntityId)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		targetID, caseID, "Jane Doe", nil, nil, store.FormatTime(time.Now().UTC()), store.FormatTime(time.Now().UTC()), "Manual", "", 1, nil,
	)
	require.NoError(t, err)

	identifierID = uuid.NewString()
	_, err = s.DB.Exec(
		`INSERT INTO Identifiers (IdentifierId, CaseId, Type, ValueRaw, ValueNormalized, Notes, SourceType, SourceLocator, IngestModuleVersion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identifierID, caseID, string(store.IdentifierTypePhone), phoneNormalized, phoneNormalized, nil, "Manual", "", 1,
	)
	require.NoError(t, err)

	_, err = s.DB.Exec(
		`INSERT INTO TargetIdentifierLinks (LinkId, CaseId, TargetId, IdentifierId, IsPrimary, SourceType, SourceLocator, IngestModuleVersion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), caseID, targetID, identifierID, 1, "Manual", "", 1,
	)
	require.NoError(t, err)
	return targetID, identifierID
}

func TestRebuildForCaseCreatesPresenceRowForMatchingSender(t *testing.T) {
	idx, s, caseID := newTestIndex(t)
	_, messageEventID := seedEvidenceThreadAndMessage(t, s, caseID, "+15551234567", "+15559999999")
	targetID, identifierID := seedTargetWithPhone(t, s, caseID, "+15551234567")

	require.NoError(t, idx.RebuildForCase(context.Background(), caseID))

	var count int
	err := s.DB.QueryRow(
		`SELECT COUNT(*) FROM TargetMessagePresence WHERE CaseId = ? AND TargetId = ? AND MatchedIdentifierId = ? AND MessageEventId = ? AND Role = 'Sender'`,
		caseID, targetID, identifierID, messageEventID,
	).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRebuildForCaseIsIdempotent(t *testing.T) {
	idx, s, caseID := newTestIndex(t)
	seedEvidenceThreadAndMessage(t, s, caseID, "+15551234567", "")
	seedTargetWithPhone(t, s, caseID, "+15551234567")

	require.NoError(t, idx.RebuildForCase(context.Background(), caseID))
	require.NoError(t, idx.RebuildForCase(context.Background(), caseID))

	var count int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM TargetMessagePresence WHERE CaseId = ?`, caseID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRebuildForCaseNoRowsWhenNoMatch(t *testing.T) {
	idx, s, caseID := newTestIndex(t)
	seedEvidenceThreadAndMessage(t, s, caseID, "+15550000000", "")
	seedTargetWithPhone(t, s, caseID, "+15551234567")

	require.NoError(t, idx.RebuildForCase(context.Background(), caseID))

	var count int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM TargetMessagePresence WHERE CaseId = ?`, caseID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
