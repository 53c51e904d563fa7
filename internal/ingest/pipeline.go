package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/store"
	"github.com/casegraph/workspace/internal/writegate"
)

// Pipeline parses one evidence item's message export and persists the
// resulting threads/events/participants idempotently.
type Pipeline struct {
	Store *store.Store
	Gate  *writegate.Gate
	Clock clockpath.Clock
	Paths clockpath.Paths
	Log   *zap.Logger
}

// New builds a Pipeline bound to an open Store.
func New(s *store.Store, gate *writegate.Gate, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{Store: s, Gate: gate, Clock: s.Clock, Paths: s.Paths, Log: log}
}

// Run selects a parser by extension, extracts messages, and persists
// them in one idempotent delete-then-insert transaction, per spec §4.5.
func (p *Pipeline) Run(ctx context.Context, caseID string, item store.EvidenceItem, progress ProgressFunc) (Result, error) {
	caseUUID, err := uuid.Parse(caseID)
	if err != nil {
		return Result{}, &caseerr.InvalidArgument{Field: "caseId", Reason: "not a valid UUID"}
	}
	absPath := filepath.Join(p.Paths.CaseDir(caseUUID), filepath.FromSlash(item.StoredRelativePath))

	ext := strings.ToLower(item.FileExtension)
	var messages []ParsedMessage
	var emptyReason string

	switch ext {
	case ".xlsx":
		messages, emptyReason, err = parseWorkbook(absPath, progress)
	case ".ufdr":
		messages, emptyReason, err = parseArchive(absPath, progress)
	default:
		emptyReason = "No message parser is available for this evidence type."
	}
	if err != nil {
		return Result{}, err
	}

	if len(messages) == 0 {
		if emptyReason == "" {
			emptyReason = "No messages were found in this evidence item."
		}
		if err := p.persist(ctx, item, nil); err != nil {
			return Result{}, err
		}
		return Result{SummaryOverride: emptyReason}, nil
	}

	if err := p.persist(ctx, item, messages); err != nil {
		return Result{}, err
	}

	threadCount := countDistinctThreads(messages)
	platformCounts := make(map[string]int)
	for _, m := range messages {
		platformCounts[string(m.Platform)]++
	}

	return Result{
		MessagesExtracted: len(messages),
		ThreadsCreated:    threadCount,
		PlatformCounts:    platformCounts,
	}, nil
}

func countDistinctThreads(messages []ParsedMessage) int {
	seen := make(map[string]bool)
	for _, m := range messages {
		seen[string(m.Platform)+"|"+m.ThreadKey] = true
	}
	return len(seen)
}

// persist deletes all prior rows for this evidence item and inserts
// the new batch inside one transaction, per the Open Question
// resolution in spec §9: "delete-then-insert inside one transaction."
func (p *Pipeline) persist(ctx context.Context, item store.EvidenceItem, messages []ParsedMessage) error {
	return p.Gate.DoRetry(ctx, p.Log, "MessagesIngestPersist", p.Store.DBPath, func() error {
		tx, err := p.Store.DB.Begin()
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if err := deleteExisting(tx, item.EvidenceItemID); err != nil {
			return err
		}
		if err := insertBatch(tx, p.Clock.NowUTC(), item, messages); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

func deleteExisting(tx *sql.Tx, evidenceItemID string) error {
	threadIDs, err := queryThreadIDs(tx, evidenceItemID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM MessageEventRecord WHERE EvidenceItemId = ?`, evidenceItemID); err != nil {
		return err
	}
	for _, tid := range threadIDs {
		if _, err := tx.Exec(`DELETE FROM MessageParticipants WHERE ThreadId = ?`, tid); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM MessageThreads WHERE EvidenceItemId = ?`, evidenceItemID); err != nil {
		return err
	}
	return nil
}

func queryThreadIDs(tx *sql.Tx, evidenceItemID string) ([]string, error) {
	rows, err := tx.Query(`SELECT ThreadId FROM MessageThreads WHERE EvidenceItemId = ?`, evidenceItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type threadAccumulator struct {
	threadID     string
	createdAt    time.Time
	hasTimestamp bool
	title        *string
}

// insertBatch groups messages by (platform, threadKey), synthesizes
// thread rows, inserts events, and derives participant rows per spec
// §4.5's Persistence rules.
func insertBatch(tx *sql.Tx, now time.Time, item store.EvidenceItem, messages []ParsedMessage) error {
	threads := make(map[string]*threadAccumulator)
	threadOrder := []string{}

	for _, m := range messages {
		key := string(m.Platform) + "|" + m.ThreadKey
		acc, ok := threads[key]
		if !ok {
			acc = &threadAccumulator{threadID: uuid.NewString(), createdAt: now, title: m.ThreadTitle}
			threads[key] = acc
			threadOrder = append(threadOrder, key)
		}
		if m.TimestampUTC != nil && (!acc.hasTimestamp || m.TimestampUTC.Before(acc.createdAt)) {
			acc.createdAt = *m.TimestampUTC
			acc.hasTimestamp = true
		}
		if acc.title == nil && m.ThreadTitle != nil {
			acc.title = m.ThreadTitle
		}
	}

	for _, key := range threadOrder {
		parts := strings.SplitN(key, "|", 2)
		platform := parts[0]
		acc := threads[key]
		if _, err := tx.Exec(
			`INSERT INTO MessageThreads (ThreadId, CaseId, EvidenceItemId, Platform, ThreadKey, Title, CreatedAtUtc, SourceLocator, IngestModuleVersion)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			acc.threadID, item.CaseID, item.EvidenceItemID, platform, parts[1], acc.title,
			store.FormatTime(acc.createdAt), item.StoredRelativePath, ingestModuleVersion,
		); err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
	}

	participantSeen := make(map[string]map[string]bool) // threadID -> lower(value) -> seen

	for _, m := range messages {
		key := string(m.Platform) + "|" + m.ThreadKey
		acc := threads[key]

		var ts *string
		if m.TimestampUTC != nil {
			s := store.FormatTime(*m.TimestampUTC)
			ts = &s
		}
		var sender, recipients, body *string
		if m.Sender != "" {
			sender = &m.Sender
		}
		if m.Recipients != "" {
			recipients = &m.Recipients
		}
		if m.Body != "" {
			body = &m.Body
		}

		eventID := uuid.NewString()
		if _, err := tx.Exec(
			`INSERT INTO MessageEventRecord
				(MessageEventId, ThreadId, CaseId, EvidenceItemId, Platform, TimestampUtc, Direction,
				 Sender, Recipients, Body, IsDeleted, SourceLocator, IngestModuleVersion)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, acc.threadID, item.CaseID, item.EvidenceItemID, string(m.Platform), ts, string(m.Direction),
			sender, recipients, body, boolToInt(m.IsDeleted), m.SourceLocator, ingestModuleVersion,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if _, ok := participantSeen[acc.threadID]; !ok {
			participantSeen[acc.threadID] = make(map[string]bool)
		}
		seen := participantSeen[acc.threadID]
		for _, raw := range append(splitIdentifiers(m.Sender), splitIdentifiers(m.Recipients)...) {
			value := strings.TrimSpace(raw)
			if value == "" {
				continue
			}
			lower := strings.ToLower(value)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			kind := ClassifyIdentifierKind(value)
			if _, err := tx.Exec(
				`INSERT INTO MessageParticipants (ParticipantId, ThreadId, Value, Kind, SourceLocator, IngestModuleVersion)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), acc.threadID, value, string(kind), m.SourceLocator, ingestModuleVersion,
			); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
