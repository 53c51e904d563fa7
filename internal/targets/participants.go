package targets

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/identnorm"
	"github.com/casegraph/workspace/internal/store"
)

// LinkMessageParticipant resolves a raw sender/recipient token from
// one message event to a Target, creating the Target and/or Identifier
// as needed, per spec §4.6's LinkMessageParticipant rule.
func (r *Registry) LinkMessageParticipant(ctx context.Context, operator, caseID, messageEventID string, role store.ParticipantRole, participantRaw string, pinnedType *store.IdentifierType, newTargetDisplayName *string) (store.MessageParticipantLink, error) {
	idType := identnorm.Classify(participantRaw)
	if pinnedType != nil {
		idType = *pinnedType
	}
	valueNormalized, ok := identnorm.Normalize(idType, participantRaw)
	if !ok {
		return store.MessageParticipantLink{}, &caseerr.InvalidArgument{Field: "participantRaw", Reason: "normalizes to empty"}
	}

	var result store.MessageParticipantLink
	var auditEvents []auditEntry

	err := r.Gate.DoRetry(ctx, r.Log, "LinkMessageParticipant", r.Store.DBPath, func() error {
		tx, err := r.Store.DB.Begin()
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		ident, identCreated, err := findOrCreateIdentifierTx(tx, caseID, idType, participantRaw, valueNormalized)
		if err != nil {
			return err
		}
		if identCreated {
			auditEvents = append(auditEvents, auditEntry{"IdentifierAdded", "Added identifier " + valueNormalized})
		}

		targetID, targetCreated, targetName, err := findOrCreateTargetForParticipantTx(tx, r.Clock.NowUTC(), caseID, ident.IdentifierID, participantRaw, newTargetDisplayName)
		if err != nil {
			return err
		}
		if targetCreated {
			auditEvents = append(auditEvents, auditEntry{"CreateTargetFromParticipant", "Created target " + targetName + " from participant"})
		}

		links, err := loadLinksForIdentifierTx(tx, ident.IdentifierID)
		if err != nil {
			return err
		}
		hasOwnLink := false
		for _, l := range links {
			if l.TargetID == targetID {
				hasOwnLink = true
				break
			}
		}
		if !hasOwnLink {
			linkID := uuid.NewString()
			if err := insertLinkTx(tx, linkID, caseID, targetID, ident.IdentifierID, false); err != nil {
				return err
			}
			auditEvents = append(auditEvents, auditEntry{"LinkIdentifierToTarget", "Linked identifier to " + targetName})
		}

		link, err := upsertParticipantLinkTx(tx, caseID, messageEventID, role, participantRaw, ident.IdentifierID, targetID)
		if err != nil {
			return err
		}
		result = link
		auditEvents = append(auditEvents, auditEntry{"ParticipantLinked", "Linked participant " + participantRaw})

		return commitTx(tx, &committed)
	})
	if err != nil {
		return store.MessageParticipantLink{}, err
	}

	for _, ev := range auditEvents {
		_ = r.Audit.RecordCase(operator, ev.actionType, caseID, ev.summary, map[string]string{"messageEventId": messageEventID})
	}
	if r.Presence != nil {
		_ = r.Presence.RebuildForIdentifier(ctx, caseID, result.IdentifierID)
	}
	return result, nil
}

// findOrCreateTargetForParticipantTx finds a target this identifier
// already links to, or creates one named newTargetDisplayName (falling
// back to the raw participant text), per spec §4.6's
// "find or create Target (use NewTargetDisplayName ?? participantRaw)".
func findOrCreateTargetForParticipantTx(tx *sql.Tx, now time.Time, caseID, identifierID, participantRaw string, newTargetDisplayName *string) (string, bool, string, error) {
	row := tx.QueryRow(
		`SELECT t.TargetId, t.DisplayName FROM TargetIdentifierLinks til
		 JOIN Targets t ON t.TargetId = til.TargetId
		 WHERE til.IdentifierId = ? ORDER BY til.LinkId LIMIT 1`, identifierID)
	var targetID, displayName string
	scanErr := row.Scan(&targetID, &displayName)
	if scanErr == nil {
		return targetID, false, displayName, nil
	}
	if scanErr != sql.ErrNoRows {
		return "", false, "", scanErr
	}

	displayName = participantRaw
	if newTargetDisplayName != nil && *newTargetDisplayName != "" {
		displayName = *newTargetDisplayName
	}
	targetID = uuid.NewString()
	if err := insertTargetTx(tx, store.Target{
		TargetID: targetID, CaseID: caseID, DisplayName: displayName,
		CreatedAtUTC: now, UpdatedAtUTC: now,
	}); err != nil {
		return "", false, "", err
	}
	return targetID, true, displayName, nil
}

// upsertParticipantLinkTx creates or updates the MessageParticipantLink
// for (messageEventID, role, participantRaw).
func upsertParticipantLinkTx(tx *sql.Tx, caseID, messageEventID string, role store.ParticipantRole, participantRaw, identifierID, targetID string) (store.MessageParticipantLink, error) {
	row := tx.QueryRow(
		`SELECT ParticipantLinkId FROM MessageParticipantLinks WHERE MessageEventId = ? AND Role = ? AND ParticipantRaw = ?`,
		messageEventID, string(role), participantRaw,
	)
	var linkID string
	scanErr := row.Scan(&linkID)
	switch {
	case scanErr == nil:
		if _, err := tx.Exec(`UPDATE MessageParticipantLinks SET IdentifierId = ?, TargetId = ? WHERE ParticipantLinkId = ?`,
			identifierID, targetID, linkID); err != nil {
			return store.MessageParticipantLink{}, err
		}
	case scanErr == sql.ErrNoRows:
		linkID = uuid.NewString()
		if _, err := tx.Exec(
			`INSERT INTO MessageParticipantLinks (ParticipantLinkId, CaseId, MessageEventId, Role, ParticipantRaw, IdentifierId, TargetId)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			linkID, caseID, messageEventID, string(role), participantRaw, identifierID, targetID,
		); err != nil {
			return store.MessageParticipantLink{}, err
		}
	default:
		return store.MessageParticipantLink{}, scanErr
	}

	tid := targetID
	return store.MessageParticipantLink{
		ParticipantLinkID: linkID,
		CaseID:            caseID,
		MessageEventID:    messageEventID,
		Role:              role,
		ParticipantRaw:    participantRaw,
		IdentifierID:      identifierID,
		TargetID:          &tid,
	}, nil
}
