// Package presence rebuilds the Target Presence Index, the derived
// table proving that a target's identifiers appear as sender or
// recipient of specific message events, per spec §4.7.
package presence

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/identnorm"
	"github.com/casegraph/workspace/internal/store"
	"github.com/casegraph/workspace/internal/writegate"
)

// Index rebuilds TargetMessagePresence rows under the Write Gate.
type Index struct {
	Store *store.Store
	Gate  *writegate.Gate
	Clock clockpath.Clock
	Log   *zap.Logger
}

// New builds an Index bound to an open Store.
func New(s *store.Store, gate *writegate.Gate, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{Store: s, Gate: gate, Clock: s.Clock, Log: log}
}

// scope narrows a rebuild to a case, optionally further to one
// evidence item or one identifier, per spec §4.7's three rebuild modes.
type scope struct {
	caseID         string
	evidenceItemID string
	identifierID   string
}

// RebuildForCase rebuilds every presence row for an entire case.
func (idx *Index) RebuildForCase(ctx context.Context, caseID string) error {
	return idx.rebuild(ctx, scope{caseID: caseID})
}

// RebuildForEvidence rebuilds presence rows derived from one evidence
// item's messages.
func (idx *Index) RebuildForEvidence(ctx context.Context, caseID, evidenceItemID string) error {
	return idx.rebuild(ctx, scope{caseID: caseID, evidenceItemID: evidenceItemID})
}

// RebuildForIdentifier rebuilds presence rows for one identifier across
// every evidence item in the case.
func (idx *Index) RebuildForIdentifier(ctx context.Context, caseID, identifierID string) error {
	return idx.rebuild(ctx, scope{caseID: caseID, identifierID: identifierID})
}

type link struct {
	targetID        string
	identifierID    string
	identifierType  store.IdentifierType
	valueNormalized string
}

type messageProjection struct {
	messageEventID string
	evidenceItemID string
	timestampUTC   *string
	sourceLocator  string
	sender         *string
	recipients     *string
}

// rebuild implements the four steps from spec §4.7 inside one
// transaction under the Write Gate.
func (idx *Index) rebuild(ctx context.Context, sc scope) error {
	return idx.Gate.DoRetry(ctx, idx.Log, "PresenceRebuild", idx.Store.DBPath, func() error {
		tx, err := idx.Store.DB.Begin()
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if err := deletePresence(tx, sc); err != nil {
			return err
		}
		links, err := loadLinks(tx, sc)
		if err != nil {
			return err
		}
		messages, err := loadMessages(tx, sc)
		if err != nil {
			return err
		}
		now := store.FormatTime(idx.Clock.NowUTC())
		if err := insertPresence(tx, sc.caseID, now, links, messages); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

func deletePresence(tx *sql.Tx, sc scope) error {
	switch {
	case sc.identifierID != "":
		_, err := tx.Exec(`DELETE FROM TargetMessagePresence WHERE CaseId = ? AND MatchedIdentifierId = ?`, sc.caseID, sc.identifierID)
		return err
	case sc.evidenceItemID != "":
		_, err := tx.Exec(`DELETE FROM TargetMessagePresence WHERE CaseId = ? AND EvidenceItemId = ?`, sc.caseID, sc.evidenceItemID)
		return err
	default:
		_, err := tx.Exec(`DELETE FROM TargetMessagePresence WHERE CaseId = ?`, sc.caseID)
		return err
	}
}

func loadLinks(tx *sql.Tx, sc scope) ([]link, error) {
	query := `SELECT til.TargetId, i.IdentifierId, i.Type, i.ValueNormalized
		FROM TargetIdentifierLinks til
		JOIN Identifiers i ON i.IdentifierId = til.IdentifierId
		WHERE til.CaseId = ?`
	args := []interface{}{sc.caseID}
	if sc.identifierID != "" {
		query += ` AND til.IdentifierId = ?`
		args = append(args, sc.identifierID)
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []link
	for rows.Next() {
		var l link
		var idType string
		if err := rows.Scan(&l.targetID, &l.identifierID, &idType, &l.valueNormalized); err != nil {
			return nil, err
		}
		l.identifierType = store.IdentifierType(idType)
		out = append(out, l)
	}
	return out, rows.Err()
}

func loadMessages(tx *sql.Tx, sc scope) ([]messageProjection, error) {
	query := `SELECT MessageEventId, EvidenceItemId, TimestampUtc, SourceLocator, Sender, Recipients
		FROM MessageEventRecord WHERE CaseId = ?`
	args := []interface{}{sc.caseID}
	if sc.evidenceItemID != "" {
		query += ` AND EvidenceItemId = ?`
		args = append(args, sc.evidenceItemID)
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []messageProjection
	for rows.Next() {
		var m messageProjection
		if err := rows.Scan(&m.messageEventID, &m.evidenceItemID, &m.timestampUTC, &m.sourceLocator, &m.sender, &m.recipients); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// recipientSplitRe splits the Recipients cell on any of ,;| or a
// newline, per spec §4.7 step 4's literal {,;|\n\r} delimiter set.
var recipientSplitRe = regexp.MustCompile(`[,;|\n\r]+`)

func splitRecipients(raw string) []string {
	return recipientSplitRe.Split(raw, -1)
}

// insertPresence compares each link's normalized identifier value
// against each message's sender and recipient tokens, emitting up to
// two rows (Sender, Recipient) per message per link.
func insertPresence(tx *sql.Tx, caseID, now string, links []link, messages []messageProjection) error {
	for _, m := range messages {
		for _, l := range links {
			matchedSender := m.sender != nil && matches(l, *m.sender)
			matchedRecipient := false
			if m.recipients != nil {
				for _, token := range splitRecipients(*m.recipients) {
					token = strings.TrimSpace(token)
					if token == "" {
						continue
					}
					if matches(l, token) {
						matchedRecipient = true
						break
					}
				}
			}
			if matchedSender {
				if err := insertRow(tx, caseID, now, l, m, store.RoleSender); err != nil {
					return err
				}
			}
			if matchedRecipient {
				if err := insertRow(tx, caseID, now, l, m, store.RoleRecipient); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func matches(l link, raw string) bool {
	normalized, ok := identnorm.Normalize(l.identifierType, raw)
	return ok && normalized == l.valueNormalized
}

func insertRow(tx *sql.Tx, caseID, now string, l link, m messageProjection, role store.ParticipantRole) error {
	var ts *string
	if m.timestampUTC != nil {
		ts = m.timestampUTC
	}
	_, err := tx.Exec(
		`INSERT INTO TargetMessagePresence
			(PresenceId, CaseId, TargetId, MessageEventId, MatchedIdentifierId, Role, EvidenceItemId, SourceLocator, MessageTimestampUtc, FirstSeenUtc, LastSeenUtc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), caseID, l.targetID, m.messageEventID, l.identifierID, string(role), m.evidenceItemID, m.sourceLocator, ts, now, now,
	)
	return err
}
