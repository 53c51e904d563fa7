package queryservices

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	paths := clockpath.Paths{Root: t.TempDir()}
	s, err := store.OpenAt(zap.NewNop(), clockpath.SystemClock{}, paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertCase(t *testing.T, s *store.Store, name string, created time.Time) string {
	t.Helper()
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO Cases (CaseId, Name, CreatedAtUtc) VALUES (?, ?, ?)`,
		id, name, store.FormatTime(created))
	require.NoError(t, err)
	return id
}

// --- PreparePage ---

func TestPreparePageClampsTakeAndSkip(t *testing.T) {
	p := PreparePage(Page{Take: 0, Skip: -1})
	require.Equal(t, takeMin, p.Take)
	require.Equal(t, 0, p.Skip)

	p = PreparePage(Page{Take: 10000})
	require.Equal(t, takeMax, p.Take)
}

// --- ListCases ---

func TestListCasesOrdersByNameAscending(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	insertCase(t, s, "Zebra Case", now)
	insertCase(t, s, "Alpha Case", now)

	svc := New(s)
	cases, err := svc.ListCases(context.Background(), CaseOrderNameAsc, Page{Take: 10})
	require.NoError(t, err)
	require.Len(t, cases, 2)
	require.Equal(t, "Alpha Case", cases[0].Name)
	require.Equal(t, "Zebra Case", cases[1].Name)
}

func TestListCasesRespectsPaging(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	for _, n := range []string{"A", "B", "C"} {
		insertCase(t, s, n, now)
	}

	svc := New(s)
	page1, err := svc.ListCases(context.Background(), CaseOrderNameAsc, Page{Take: 2, Skip: 0})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := svc.ListCases(context.Background(), CaseOrderNameAsc, Page{Take: 2, Skip: 2})
	require.NoError(t, err)
	require.Len(t, page2, 1)
}

// --- ListJobs ---

func TestListJobsFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	caseID := insertCase(t, s, "Case A", time.Now().UTC())

	insertJob(t, s, caseID, store.JobStatusRunning)
	insertJob(t, s, caseID, store.JobStatusSucceeded)

	svc := New(s)
	running := store.JobStatusRunning
	jobs, err := svc.ListJobs(context.Background(), JobFilter{CaseID: &caseID, Status: &running}, Page{Take: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, store.JobStatusRunning, jobs[0].Status)
}

func insertJob(t *testing.T, s *store.Store, caseID string, status store.JobStatus) string {
	t.Helper()
	id := uuid.NewString()
	_, err := s.DB.Exec(
		`INSERT INTO Jobs (JobId, CreatedAtUtc, Status, JobType, CaseId, Progress, StatusMessage, JsonPayload, CorrelationId, Operator)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, store.FormatTime(time.Now().UTC()), string(status), "Ingest", caseID, 0.0, "", "{}", uuid.NewString(), "operator",
	)
	require.NoError(t, err)
	return id
}

// --- ListAuditEvents ---

func TestListAuditEventsFiltersByText(t *testing.T) {
	s := newTestStore(t)
	caseID := insertCase(t, s, "Case A", time.Now().UTC())

	require.NoError(t, s.InsertAudit(store.AuditEvent{
		AuditEventID: uuid.NewString(), TimestampUTC: time.Now().UTC(), Operator: "op",
		ActionType: "CaseCreated", CaseID: &caseID, Summary: "Created case A", JSONPayload: "{}",
	}))
	require.NoError(t, s.InsertAudit(store.AuditEvent{
		AuditEventID: uuid.NewString(), TimestampUTC: time.Now().UTC(), Operator: "op",
		ActionType: "EvidenceAdded", CaseID: &caseID, Summary: "Added evidence", JSONPayload: "{}",
	}))

	svc := New(s)
	events, err := svc.ListAuditEvents(context.Background(), AuditFilter{CaseID: &caseID, ActionTypeText: "created"}, Page{Take: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "CaseCreated", events[0].ActionType)
}
