// Package targets implements the Target Registry: investigative
// subjects within a case, their aliases, their identifiers, and the
// conflict-resolution policies that decide which target(s) (or which
// cross-case person) an identifier already linked elsewhere ends up
// on, per spec §4.6. StrategyKeepExistingAndAlsoLink links one
// identifier to more than one target.
package targets

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/audit"
	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/presence"
	"github.com/casegraph/workspace/internal/store"
	"github.com/casegraph/workspace/internal/writegate"
)

// Registry mutates and queries Targets/Identifiers/Links under the
// Write Gate, refreshing the Presence Index after any change that
// could alter it.
type Registry struct {
	Store    *store.Store
	Gate     *writegate.Gate
	Audit    *audit.Recorder
	Presence *presence.Index
	Clock    clockpath.Clock
	Log      *zap.Logger
}

// New builds a Registry bound to an open Store.
func New(s *store.Store, gate *writegate.Gate, rec *audit.Recorder, pr *presence.Index, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{Store: s, Gate: gate, Audit: rec, Presence: pr, Clock: s.Clock, Log: log}
}

// CreateTarget inserts a new Target, optionally seeding a primary
// alias and optionally creating or linking a cross-case GlobalPerson.
func (r *Registry) CreateTarget(ctx context.Context, operator, caseID, displayName string, primaryAlias *string, notes *string, createGlobalPerson bool, globalEntityID *string) (store.Target, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return store.Target{}, &caseerr.InvalidArgument{Field: "displayName", Reason: "must not be empty"}
	}
	if createGlobalPerson && globalEntityID != nil {
		return store.Target{}, &caseerr.InvalidArgument{Field: "createGlobalPerson/globalEntityId", Reason: "mutually exclusive"}
	}

	now := r.Clock.NowUTC()
	t := store.Target{
		TargetID:     uuid.NewString(),
		CaseID:       caseID,
		DisplayName:  displayName,
		PrimaryAlias: primaryAlias,
		Notes:        notes,
		CreatedAtUTC: now,
		UpdatedAtUTC: now,
	}

	err := r.Gate.DoRetry(ctx, r.Log, "CreateTarget", r.Store.DBPath, func() error {
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

		if err := insertTargetTx(tx, t); err != nil {
			return err
		}
		if primaryAlias != nil && strings.TrimSpace(*primaryAlias) != "" {
			if err := insertAliasTx(tx, store.TargetAlias{
				AliasID:         uuid.NewString(),
				TargetID:        t.TargetID,
				CaseID:          caseID,
				Alias:           *primaryAlias,
				AliasNormalized: normalizeAlias(*primaryAlias),
			}); err != nil {
				return err
			}
		}
		if createGlobalPerson {
			gpID, err := createGlobalPersonTx(tx, now, displayName)
			if err != nil {
				return err
			}
			t.GlobalEntityID = &gpID
			if err := setTargetGlobalEntityTx(tx, t.TargetID, &gpID); err != nil {
				return err
			}
		} else if globalEntityID != nil {
			t.GlobalEntityID = globalEntityID
			if err := setTargetGlobalEntityTx(tx, t.TargetID, globalEntityID); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return store.Target{}, err
	}

	_ = r.Audit.RecordCase(operator, "TargetCreated", caseID, "Created target "+displayName, map[string]string{"targetId": t.TargetID})
	return t, nil
}

// UpdateTarget changes displayName/notes and refreshes updatedAtUtc.
func (r *Registry) UpdateTarget(ctx context.Context, operator, targetID string, displayName, notes *string) (store.Target, error) {
	existing, err := r.GetTarget(targetID)
	if err != nil {
		return store.Target{}, err
	}
	if displayName != nil {
		trimmed := strings.TrimSpace(*displayName)
		if trimmed == "" {
			return store.Target{}, &caseerr.InvalidArgument{Field: "displayName", Reason: "must not be empty"}
		}
		existing.DisplayName = trimmed
	}
	if notes != nil {
		existing.Notes = notes
	}
	existing.UpdatedAtUTC = r.Clock.NowUTC()

	err = r.Gate.DoRetry(ctx, r.Log, "UpdateTarget", r.Store.DBPath, func() error {
		_, execErr := r.Store.DB.Exec(
			`UPDATE Targets SET DisplayName = ?, Notes = ?, UpdatedAtUtc = ? WHERE TargetId = ?`,
			existing.DisplayName, existing.Notes, store.FormatTime(existing.UpdatedAtUTC), targetID,
		)
		return execErr
	})
	if err != nil {
		return store.Target{}, err
	}

	_ = r.Audit.RecordCase(operator, "TargetUpdated", existing.CaseID, "Updated target "+existing.DisplayName, map[string]string{"targetId": targetID})
	return existing, nil
}

// AddAlias creates a TargetAlias for targetID.
func (r *Registry) AddAlias(ctx context.Context, operator, targetID, alias string) (store.TargetAlias, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return store.TargetAlias{}, &caseerr.InvalidArgument{Field: "alias", Reason: "must not be empty"}
	}
	target, err := r.GetTarget(targetID)
	if err != nil {
		return store.TargetAlias{}, err
	}
	a := store.TargetAlias{
		AliasID:         uuid.NewString(),
		TargetID:        targetID,
		CaseID:          target.CaseID,
		Alias:           alias,
		AliasNormalized: normalizeAlias(alias),
	}
	err = r.Gate.DoRetry(ctx, r.Log, "AddAlias", r.Store.DBPath, func() error {
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
		if err := insertAliasTx(tx, a); err != nil {
			return err
		}
		if err := touchTargetTx(tx, targetID, r.Clock.NowUTC()); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return store.TargetAlias{}, err
	}
	_ = r.Audit.RecordCase(operator, "AliasAdded", target.CaseID, "Added alias "+alias+" to "+target.DisplayName, map[string]string{"targetId": targetID, "aliasId": a.AliasID})
	return a, nil
}

// RemoveAlias deletes one TargetAlias.
func (r *Registry) RemoveAlias(ctx context.Context, operator, aliasID string) error {
	var targetID, caseID, alias string
	if err := r.Store.DB.QueryRow(`SELECT TargetId, CaseId, Alias FROM TargetAliases WHERE AliasId = ?`, aliasID).
		Scan(&targetID, &caseID, &alias); err != nil {
		return &caseerr.NotFound{Kind: "TargetAlias", ID: aliasID}
	}

	err := r.Gate.DoRetry(ctx, r.Log, "RemoveAlias", r.Store.DBPath, func() error {
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
		if _, err := tx.Exec(`DELETE FROM TargetAliases WHERE AliasId = ?`, aliasID); err != nil {
			return err
		}
		if err := touchTargetTx(tx, targetID, r.Clock.NowUTC()); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return err
	}
	_ = r.Audit.RecordCase(operator, "AliasRemoved", caseID, "Removed alias "+alias, map[string]string{"targetId": targetID, "aliasId": aliasID})
	return nil
}

// GetTarget loads one Target row.
func (r *Registry) GetTarget(targetID string) (store.Target, error) {
	row := r.Store.DB.QueryRow(
		`SELECT TargetId, CaseId, DisplayName, PrimaryAlias, Notes, CreatedAtUtc, UpdatedAtUtc, SourceType, SourceLocator, IngestModuleVersion, GlobalEntityId
		 FROM Targets WHERE TargetId = ?`, targetID)
	var t store.Target
	var created, updated string
	if err := row.Scan(&t.TargetID, &t.CaseID, &t.DisplayName, &t.PrimaryAlias, &t.Notes, &created, &updated,
		&t.SourceType, &t.SourceLocator, &t.IngestModuleVersion, &t.GlobalEntityID); err != nil {
		return store.Target{}, &caseerr.NotFound{Kind: "Target", ID: targetID}
	}
	var err error
	if t.CreatedAtUTC, err = store.ParseTime(created); err != nil {
		return store.Target{}, err
	}
	if t.UpdatedAtUTC, err = store.ParseTime(updated); err != nil {
		return store.Target{}, err
	}
	return t, nil
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

func insertTargetTx(tx *sql.Tx, t store.Target) error {
	_, err := tx.Exec(
		`INSERT INTO Targets (TargetId, CaseId, DisplayName, PrimaryAlias, Notes, CreatedAtUtc, UpdatedAtUtc, SourceType, SourceLocator, IngestModuleVersion, GlobalEntityId)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TargetID, t.CaseID, t.DisplayName, t.PrimaryAlias, t.Notes, store.FormatTime(t.CreatedAtUTC), store.FormatTime(t.UpdatedAtUTC),
		"Manual", "", "", t.GlobalEntityID,
	)
	return err
}

func insertAliasTx(tx *sql.Tx, a store.TargetAlias) error {
	_, err := tx.Exec(
		`INSERT INTO TargetAliases (AliasId, TargetId, CaseId, Alias, AliasNormalized) VALUES (?, ?, ?, ?, ?)`,
		a.AliasID, a.TargetID, a.CaseID, a.Alias, a.AliasNormalized,
	)
	return err
}

func touchTargetTx(tx *sql.Tx, targetID string, now time.Time) error {
	_, err := tx.Exec(`UPDATE Targets SET UpdatedAtUtc = ? WHERE TargetId = ?`, store.FormatTime(now), targetID)
	return err
}

func setTargetGlobalEntityTx(tx *sql.Tx, targetID string, globalEntityID *string) error {
	_, err := tx.Exec(`UPDATE Targets SET GlobalEntityId = ? WHERE TargetId = ?`, globalEntityID, targetID)
	return err
}
