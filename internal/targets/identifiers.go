package targets

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/identnorm"
	"github.com/casegraph/workspace/internal/store"
)

type existingLink struct {
	LinkID     string
	TargetID   string
	TargetName string
	IsPrimary  bool
}

// AddIdentifier normalizes valueRaw, finds or creates the owning
// Identifier row, and links it to targetID — applying the conflict
// resolution table from spec §4.6 when the identifier already links
// to a different target. It returns the identifier row and the target
// the link actually ended up on (which differs from targetID only
// under StrategyUseExistingTarget).
func (r *Registry) AddIdentifier(ctx context.Context, operator, targetID string, idType store.IdentifierType, valueRaw string, isPrimary bool, strategy ConflictStrategy, globalStrategy GlobalPersonStrategy) (store.Identifier, string, error) {
	target, err := r.GetTarget(targetID)
	if err != nil {
		return store.Identifier{}, "", err
	}
	valueNormalized, ok := identnorm.Normalize(idType, valueRaw)
	if !ok {
		return store.Identifier{}, "", &caseerr.InvalidArgument{Field: "valueRaw", Reason: "normalizes to empty"}
	}

	var result store.Identifier
	effectiveTargetID := targetID
	var auditEvents []auditEntry

	err = r.Gate.DoRetry(ctx, r.Log, "AddIdentifier", r.Store.DBPath, func() error {
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

		ident, identCreated, err := findOrCreateIdentifierTx(tx, target.CaseID, idType, valueRaw, valueNormalized)
		if err != nil {
			return err
		}
		result = ident
		if identCreated {
			auditEvents = append(auditEvents, auditEntry{"IdentifierAdded", "Added identifier " + valueNormalized})
		}

		links, err := loadLinksForIdentifierTx(tx, ident.IdentifierID)
		if err != nil {
			return err
		}

		effectiveTargetID, auditEvents, err = applyConflictStrategyTx(tx, target, ident, links, isPrimary, strategy, auditEvents)
		if err != nil {
			return err
		}

		if target.GlobalEntityID != nil && effectiveTargetID == targetID {
			events, err := syncGlobalPersonTx(tx, targetID, *target.GlobalEntityID, ident, isPrimary, globalStrategy)
			if err != nil {
				return err
			}
			auditEvents = append(auditEvents, events...)
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return store.Identifier{}, "", err
	}

	for _, ev := range auditEvents {
		_ = r.Audit.RecordCase(operator, ev.actionType, target.CaseID, ev.summary, map[string]string{"targetId": targetID, "identifierId": result.IdentifierID})
	}
	if r.Presence != nil {
		_ = r.Presence.RebuildForIdentifier(ctx, target.CaseID, result.IdentifierID)
	}
	return result, effectiveTargetID, nil
}

type auditEntry struct {
	actionType string
	summary    string
}

// applyConflictStrategyTx implements the identifier conflict table
// from spec §4.6. links holds every existing TargetIdentifierLink for
// the identifier prior to this call.
func applyConflictStrategyTx(tx *sql.Tx, target store.Target, ident store.Identifier, links []existingLink, isPrimary bool, strategy ConflictStrategy, auditEvents []auditEntry) (string, []auditEntry, error) {
	var ownLink *existingLink
	var otherLinks []existingLink
	for i := range links {
		if links[i].TargetID == target.TargetID {
			ownLink = &links[i]
		} else {
			otherLinks = append(otherLinks, links[i])
		}
	}

	if ownLink != nil {
		if ownLink.IsPrimary != isPrimary {
			if err := updateLinkPrimaryTx(tx, ownLink.LinkID, isPrimary); err != nil {
				return "", auditEvents, err
			}
			if isPrimary {
				if err := clearOtherPrimaryLinksTx(tx, target.TargetID, ownLink.LinkID); err != nil {
					return "", auditEvents, err
				}
			}
		}
		return target.TargetID, auditEvents, nil
	}

	if len(otherLinks) == 0 {
		linkID := uuid.NewString()
		if err := insertLinkTx(tx, linkID, target.CaseID, target.TargetID, ident.IdentifierID, isPrimary); err != nil {
			return "", auditEvents, err
		}
		if isPrimary {
			if err := clearOtherPrimaryLinksTx(tx, target.TargetID, linkID); err != nil {
				return "", auditEvents, err
			}
		}
		auditEvents = append(auditEvents, auditEntry{"IdentifierLinkedToTarget", "Linked identifier to " + target.DisplayName})
		return target.TargetID, auditEvents, nil
	}

	switch strategy {
	case StrategyCancel, "":
		return "", auditEvents, &caseerr.IdentifierConflict{ExistingTargetID: otherLinks[0].TargetID, ExistingTargetName: otherLinks[0].TargetName}

	case StrategyUseExistingTarget:
		return otherLinks[0].TargetID, auditEvents, nil

	case StrategyKeepExistingAndAlsoLinkToRequested:
		linkID := uuid.NewString()
		if err := insertLinkTx(tx, linkID, target.CaseID, target.TargetID, ident.IdentifierID, false); err != nil {
			return "", auditEvents, err
		}
		auditEvents = append(auditEvents, auditEntry{"IdentifierLinkedToTarget", "Linked identifier to " + target.DisplayName + " (secondary)"})
		return target.TargetID, auditEvents, nil

	case StrategyMoveIdentifierToRequestedTarget:
		for _, ol := range otherLinks {
			if err := deleteLinkTx(tx, ol.LinkID); err != nil {
				return "", auditEvents, err
			}
			auditEvents = append(auditEvents, auditEntry{"IdentifierUnlinkedFromTarget", "Unlinked identifier from " + ol.TargetName})
		}
		linkID := uuid.NewString()
		if err := insertLinkTx(tx, linkID, target.CaseID, target.TargetID, ident.IdentifierID, isPrimary); err != nil {
			return "", auditEvents, err
		}
		if isPrimary {
			if err := clearOtherPrimaryLinksTx(tx, target.TargetID, linkID); err != nil {
				return "", auditEvents, err
			}
		}
		auditEvents = append(auditEvents, auditEntry{"IdentifierLinkedToTarget", "Linked identifier to " + target.DisplayName})
		return target.TargetID, auditEvents, nil

	default:
		return "", auditEvents, &caseerr.InvalidArgument{Field: "strategy", Reason: "unknown conflict strategy"}
	}
}

// UpdateIdentifier changes an existing identifier's raw value (and
// therefore its normalized form), which may collide with a different
// Identifier row already owned by another target; the same conflict
// table applies, scoped to whichever target currently links it.
func (r *Registry) UpdateIdentifier(ctx context.Context, operator, identifierID string, newValueRaw *string, isPrimary *bool, strategy ConflictStrategy, globalStrategy GlobalPersonStrategy) (store.Identifier, error) {
	ident, err := r.getIdentifier(identifierID)
	if err != nil {
		return store.Identifier{}, err
	}
	links, err := r.loadLinksForIdentifier(identifierID)
	if err != nil {
		return store.Identifier{}, err
	}
	if len(links) == 0 {
		return store.Identifier{}, &caseerr.InvalidArgument{Field: "identifierId", Reason: "identifier has no target link to update through"}
	}
	targetID := links[0].TargetID
	primary := links[0].IsPrimary
	if isPrimary != nil {
		primary = *isPrimary
	}

	if newValueRaw == nil {
		if isPrimary == nil {
			return ident, nil
		}
		_, _, err := r.AddIdentifier(ctx, operator, targetID, ident.Type, ident.ValueRaw, primary, strategy, globalStrategy)
		if err != nil {
			return store.Identifier{}, err
		}
		return r.getIdentifier(identifierID)
	}

	newNormalized, ok := identnorm.Normalize(ident.Type, *newValueRaw)
	if !ok {
		return store.Identifier{}, &caseerr.InvalidArgument{Field: "valueRaw", Reason: "normalizes to empty"}
	}

	if newNormalized == ident.ValueNormalized {
		err := r.Gate.DoRetry(ctx, r.Log, "UpdateIdentifier", r.Store.DBPath, func() error {
			_, execErr := r.Store.DB.Exec(`UPDATE Identifiers SET ValueRaw = ? WHERE IdentifierId = ?`, *newValueRaw, identifierID)
			return execErr
		})
		if err != nil {
			return store.Identifier{}, err
		}
		ident.ValueRaw = *newValueRaw
		return ident, nil
	}

	// The normalized value changed: treat it as relinking the owning
	// target to a (possibly different, possibly new) identifier row,
	// then drop the old row if it is now orphaned.
	newIdent, _, err := r.AddIdentifier(ctx, operator, targetID, ident.Type, *newValueRaw, primary, strategy, globalStrategy)
	if err != nil {
		return store.Identifier{}, err
	}
	if newIdent.IdentifierID != identifierID {
		if err := r.deleteLinkAndMaybeOrphanTx(ctx, operator, identifierID, targetID); err != nil {
			return store.Identifier{}, err
		}
	}
	return newIdent, nil
}

// RemoveIdentifier unlinks identifierID from targetID; if no target or
// participant links remain, deletes the identifier row and audits
// IdentifierRemoved, then refreshes the Presence Index.
func (r *Registry) RemoveIdentifier(ctx context.Context, operator, targetID, identifierID string) error {
	ident, err := r.getIdentifier(identifierID)
	if err != nil {
		return err
	}

	removed := false
	err = r.Gate.DoRetry(ctx, r.Log, "RemoveIdentifier", r.Store.DBPath, func() error {
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

		if _, err := tx.Exec(`DELETE FROM TargetIdentifierLinks WHERE TargetId = ? AND IdentifierId = ?`, targetID, identifierID); err != nil {
			return err
		}

		orphaned, err := identifierIsOrphanedTx(tx, identifierID)
		if err != nil {
			return err
		}
		if orphaned {
			if _, err := tx.Exec(`DELETE FROM Identifiers WHERE IdentifierId = ?`, identifierID); err != nil {
				return err
			}
			removed = true
		}
		return commitTx(tx, &committed)
	})
	if err != nil {
		return err
	}

	_ = r.Audit.RecordCase(operator, "IdentifierUnlinkedFromTarget", ident.CaseID, "Unlinked identifier "+ident.ValueNormalized, map[string]string{"targetId": targetID, "identifierId": identifierID})
	if removed {
		_ = r.Audit.RecordCase(operator, "IdentifierRemoved", ident.CaseID, "Removed orphaned identifier "+ident.ValueNormalized, map[string]string{"identifierId": identifierID})
	}
	if r.Presence != nil {
		_ = r.Presence.RebuildForIdentifier(ctx, ident.CaseID, identifierID)
	}
	return nil
}

func commitTx(tx *sql.Tx, committed *bool) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	*committed = true
	return nil
}

func (r *Registry) deleteLinkAndMaybeOrphanTx(ctx context.Context, operator, identifierID, targetID string) error {
	return r.RemoveIdentifier(ctx, operator, targetID, identifierID)
}

func (r *Registry) getIdentifier(identifierID string) (store.Identifier, error) {
	row := r.Store.DB.QueryRow(
		`SELECT IdentifierId, CaseId, Type, ValueRaw, ValueNormalized, Notes, SourceType, SourceLocator, IngestModuleVersion
		 FROM Identifiers WHERE IdentifierId = ?`, identifierID)
	var ident store.Identifier
	var idType string
	if err := row.Scan(&ident.IdentifierID, &ident.CaseID, &idType, &ident.ValueRaw, &ident.ValueNormalized, &ident.Notes,
		&ident.SourceType, &ident.SourceLocator, &ident.IngestModuleVersion); err != nil {
		return store.Identifier{}, &caseerr.NotFound{Kind: "Identifier", ID: identifierID}
	}
	ident.Type = store.IdentifierType(idType)
	return ident, nil
}

func (r *Registry) loadLinksForIdentifier(identifierID string) ([]existingLink, error) {
	rows, err := r.Store.DB.Query(
		`SELECT til.LinkId, til.TargetId, t.DisplayName, til.IsPrimary
		 FROM TargetIdentifierLinks til JOIN Targets t ON t.TargetId = til.TargetId
		 WHERE til.IdentifierId = ? ORDER BY til.LinkId`, identifierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []existingLink
	for rows.Next() {
		var l existingLink
		var isPrimary int
		if err := rows.Scan(&l.LinkID, &l.TargetID, &l.TargetName, &isPrimary); err != nil {
			return nil, err
		}
		l.IsPrimary = isPrimary != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

func loadLinksForIdentifierTx(tx *sql.Tx, identifierID string) ([]existingLink, error) {
	rows, err := tx.Query(
		`SELECT til.LinkId, til.TargetId, t.DisplayName, til.IsPrimary
		 FROM TargetIdentifierLinks til JOIN Targets t ON t.TargetId = til.TargetId
		 WHERE til.IdentifierId = ? ORDER BY til.LinkId`, identifierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []existingLink
	for rows.Next() {
		var l existingLink
		var isPrimary int
		if err := rows.Scan(&l.LinkID, &l.TargetID, &l.TargetName, &isPrimary); err != nil {
			return nil, err
		}
		l.IsPrimary = isPrimary != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

func findOrCreateIdentifierTx(tx *sql.Tx, caseID string, idType store.IdentifierType, valueRaw, valueNormalized string) (store.Identifier, bool, error) {
	row := tx.QueryRow(
		`SELECT IdentifierId, ValueRaw, Notes, SourceType, SourceLocator, IngestModuleVersion
		 FROM Identifiers WHERE CaseId = ? AND Type = ? AND ValueNormalized = ?`,
		caseID, string(idType), valueNormalized,
	)
	var ident store.Identifier
	scanErr := row.Scan(&ident.IdentifierID, &ident.ValueRaw, &ident.Notes, &ident.SourceType, &ident.SourceLocator, &ident.IngestModuleVersion)
	if scanErr == nil {
		ident.CaseID = caseID
		ident.Type = idType
		ident.ValueNormalized = valueNormalized
		return ident, false, nil
	}
	if scanErr != sql.ErrNoRows {
		return store.Identifier{}, false, scanErr
	}

	ident = store.Identifier{
		IdentifierID:    uuid.NewString(),
		CaseID:          caseID,
		Type:            idType,
		ValueRaw:        valueRaw,
		ValueNormalized: valueNormalized,
	}
	_, err := tx.Exec(
		`INSERT INTO Identifiers (IdentifierId, CaseId, Type, ValueRaw, ValueNormalized, Notes, SourceType, SourceLocator, IngestModuleVersion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ident.IdentifierID, caseID, string(idType), valueRaw, valueNormalized, nil, "Manual", "", "",
	)
	if err != nil {
		return store.Identifier{}, false, err
	}
	return ident, true, nil
}

func insertLinkTx(tx *sql.Tx, linkID, caseID, targetID, identifierID string, isPrimary bool) error {
	_, err := tx.Exec(
		`INSERT INTO TargetIdentifierLinks (LinkId, CaseId, TargetId, IdentifierId, IsPrimary, SourceType, SourceLocator, IngestModuleVersion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		linkID, caseID, targetID, identifierID, boolToInt(isPrimary), "Manual", "", "",
	)
	return err
}

func deleteLinkTx(tx *sql.Tx, linkID string) error {
	_, err := tx.Exec(`DELETE FROM TargetIdentifierLinks WHERE LinkId = ?`, linkID)
	return err
}

func updateLinkPrimaryTx(tx *sql.Tx, linkID string, isPrimary bool) error {
	_, err := tx.Exec(`UPDATE TargetIdentifierLinks SET IsPrimary = ? WHERE LinkId = ?`, boolToInt(isPrimary), linkID)
	return err
}

// clearOtherPrimaryLinksTx enforces "at most one primary identifier
// per target" by demoting every other link for the same target.
func clearOtherPrimaryLinksTx(tx *sql.Tx, targetID, keepLinkID string) error {
	_, err := tx.Exec(`UPDATE TargetIdentifierLinks SET IsPrimary = 0 WHERE TargetId = ? AND LinkId != ?`, targetID, keepLinkID)
	return err
}

func identifierIsOrphanedTx(tx *sql.Tx, identifierID string) (bool, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM TargetIdentifierLinks WHERE IdentifierId = ?`, identifierID).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM MessageParticipantLinks WHERE IdentifierId = ?`, identifierID).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// syncGlobalPersonTx mirrors an identifier into the cross-case
// PersonIdentifier registry, applying the global-person conflict
// strategies from spec §4.6. targetID is the target currently holding
// globalPersonID, needed so UseExistingPerson can repoint it.
func syncGlobalPersonTx(tx *sql.Tx, targetID, globalPersonID string, ident store.Identifier, isPrimary bool, strategy GlobalPersonStrategy) ([]auditEntry, error) {
	var events []auditEntry
	existingPersonIdentifierID, existingPersonID, existingDisplayName, found, err := findPersonIdentifierTx(tx, ident.Type, ident.ValueNormalized)
	if err != nil {
		return nil, err
	}

	if !found {
		if err := insertPersonIdentifierTx(tx, globalPersonID, ident.Type, ident.ValueRaw, ident.ValueNormalized, isPrimary); err != nil {
			return nil, err
		}
		if isPrimary {
			newPersonIdentifierID, _, _, found, err := findPersonIdentifierTx(tx, ident.Type, ident.ValueNormalized)
			if err != nil {
				return nil, err
			}
			if found {
				if err := clearOtherPrimaryPersonIdentifiersTx(tx, globalPersonID, newPersonIdentifierID); err != nil {
					return nil, err
				}
			}
		}
		return events, nil
	}

	if existingPersonID == globalPersonID {
		return events, nil
	}

	switch strategy {
	case GlobalPersonStrategyCancel, "":
		return nil, &caseerr.GlobalPersonIdentifierConflict{ExistingPersonID: existingPersonID, ExistingDisplayName: existingDisplayName}
	case GlobalPersonStrategyUseExistingPerson:
		if _, err := tx.Exec(`UPDATE Targets SET GlobalEntityId = ? WHERE TargetId = ?`, existingPersonID, targetID); err != nil {
			return nil, err
		}
		events = append(events, auditEntry{"GlobalPersonConflictResolved", "Using existing global person " + existingDisplayName})
		return events, nil
	case GlobalPersonStrategyMoveIdentifierToRequested:
		if err := movePersonIdentifierTx(tx, existingPersonIdentifierID, globalPersonID); err != nil {
			return nil, err
		}
		events = append(events, auditEntry{"GlobalPersonIdentifierMoved", "Moved identifier to requested global person"})
		return events, nil
	default:
		return nil, &caseerr.InvalidArgument{Field: "globalStrategy", Reason: "unknown global-person conflict strategy"}
	}
}
