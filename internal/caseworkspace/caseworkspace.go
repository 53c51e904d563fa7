// Package caseworkspace implements case lifecycle: creating the case
// row and its on-disk directory together, and keeping the case.json
// snapshot in lock-step with the database. This package does not import
// a legacy case.json tree; the only reader of case.json and
// manifest.json files is the Workspace Store's Rebuilder, which runs
// after a repair.
package caseworkspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/audit"
	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/store"
	"github.com/casegraph/workspace/internal/writegate"
)

// Workspace mediates all case-level mutations through the write gate,
// keeping the database row and the case.json snapshot consistent.
type Workspace struct {
	Store  *store.Store
	Gate   *writegate.Gate
	Audit  *audit.Recorder
	Clock  clockpath.Clock
	Paths  clockpath.Paths
	Log    *zap.Logger
}

// New builds a Workspace over an already-opened Store.
func New(s *store.Store, gate *writegate.Gate, rec *audit.Recorder, log *zap.Logger) *Workspace {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workspace{Store: s, Gate: gate, Audit: rec, Clock: s.Clock, Paths: s.Paths, Log: log}
}

// CreateCase inserts the Case row and its directory tree together, per
// spec §3's lifecycle invariant: "A Case created ⇒ Case row +
// <casesRoot>/<caseId>/ directory."
func (w *Workspace) CreateCase(ctx context.Context, operator, name string) (store.Case, error) {
	if name == "" {
		return store.Case{}, &caseerr.InvalidArgument{Field: "name", Reason: "must not be empty"}
	}

	id := uuid.New()
	now := w.Clock.NowUTC()
	c := store.Case{CaseID: id.String(), Name: name, CreatedAtUTC: now}

	err := w.Gate.DoRetry(ctx, w.Log, "CreateCase", w.Store.DBPath, func() error {
		if err := os.MkdirAll(filepath.Join(w.Paths.CaseDir(id), "vault"), 0o755); err != nil {
			return fmt.Errorf("create case directory: %w", err)
		}
		if _, err := w.Store.DB.Exec(
			`INSERT INTO Cases (CaseId, Name, CreatedAtUtc, LastOpenedAtUtc) VALUES (?, ?, ?, NULL)`,
			c.CaseID, c.Name, store.FormatTime(now),
		); err != nil {
			return fmt.Errorf("insert case row: %w", err)
		}
		return writeSnapshotLocked(w.Paths.CaseSnapshotPath(id), c, nil)
	})
	if err != nil {
		return store.Case{}, err
	}

	if w.Audit != nil {
		if err := w.Audit.RecordCase(operator, "CaseCreated", c.CaseID, fmt.Sprintf("Case %q created.", name), nil); err != nil {
			w.Log.Warn("failed to record CaseCreated audit event", zap.Error(err))
		}
	}
	return c, nil
}

// TouchLastOpened updates LastOpenedAtUtc and rewrites the snapshot.
func (w *Workspace) TouchLastOpened(ctx context.Context, caseID string) error {
	now := w.Clock.NowUTC()
	return w.Gate.DoRetry(ctx, w.Log, "TouchLastOpened", w.Store.DBPath, func() error {
		res, err := w.Store.DB.Exec(`UPDATE Cases SET LastOpenedAtUtc = ? WHERE CaseId = ?`, store.FormatTime(now), caseID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &caseerr.NotFound{Kind: "Case", ID: caseID}
		}
		return w.RewriteSnapshotLocked(caseID)
	})
}

// GetCase loads a single Case row.
func (w *Workspace) GetCase(caseID string) (store.Case, error) {
	row := w.Store.DB.QueryRow(`SELECT CaseId, Name, CreatedAtUtc, LastOpenedAtUtc FROM Cases WHERE CaseId = ?`, caseID)
	var c store.Case
	var created string
	var lastOpened *string
	if err := row.Scan(&c.CaseID, &c.Name, &created, &lastOpened); err != nil {
		return store.Case{}, &caseerr.NotFound{Kind: "Case", ID: caseID}
	}
	t, err := store.ParseTime(created)
	if err != nil {
		return store.Case{}, err
	}
	c.CreatedAtUTC = t
	if lastOpened != nil {
		lt, err := store.ParseTime(*lastOpened)
		if err != nil {
			return store.Case{}, err
		}
		c.LastOpenedAtUTC = &lt
	}
	return c, nil
}

// RewriteSnapshotLocked reloads the case and its evidence items and
// atomically rewrites case.json, per §4.3 step 4's "Case snapshot ...
// rewritten atomically." Callers must already hold the write gate.
func (w *Workspace) RewriteSnapshotLocked(caseID string) error {
	id, err := uuid.Parse(caseID)
	if err != nil {
		return &caseerr.InvalidArgument{Field: "caseId", Reason: "not a valid UUID"}
	}
	c, err := w.GetCase(caseID)
	if err != nil {
		return err
	}
	items, err := w.listEvidence(caseID)
	if err != nil {
		return err
	}
	return writeSnapshotLocked(w.Paths.CaseSnapshotPath(id), c, items)
}

func (w *Workspace) listEvidence(caseID string) ([]store.EvidenceItem, error) {
	rows, err := w.Store.DB.Query(
		`SELECT EvidenceItemId, CaseId, DisplayName, OriginalPath, OriginalFileName, AddedAtUtc,
			SizeBytes, Sha256Hex, FileExtension, SourceType, ManifestRelativePath, StoredRelativePath
		 FROM EvidenceItems WHERE CaseId = ? ORDER BY AddedAtUtc ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []store.EvidenceItem
	for rows.Next() {
		var e store.EvidenceItem
		var added string
		var sourceType string
		if err := rows.Scan(&e.EvidenceItemID, &e.CaseID, &e.DisplayName, &e.OriginalPath, &e.OriginalFileName,
			&added, &e.SizeBytes, &e.Sha256Hex, &e.FileExtension, &sourceType, &e.ManifestRelativePath, &e.StoredRelativePath); err != nil {
			return nil, err
		}
		t, err := store.ParseTime(added)
		if err != nil {
			return nil, err
		}
		e.AddedAtUTC = t
		e.SourceType = store.SourceType(sourceType)
		items = append(items, e)
	}
	return items, rows.Err()
}

// writeSnapshotLocked renders a CaseSnapshot and writes it atomically.
// Caller must already be inside the write gate.
func writeSnapshotLocked(path string, c store.Case, items []store.EvidenceItem) error {
	var lastOpened *string
	if c.LastOpenedAtUTC != nil {
		s := store.FormatTime(*c.LastOpenedAtUTC)
		lastOpened = &s
	}
	snap := store.CaseSnapshot{
		CaseInfo: store.CaseInfoSnapshot{
			CaseId:          c.CaseID,
			Name:            c.Name,
			CreatedAtUtc:    store.FormatTime(c.CreatedAtUTC),
			LastOpenedAtUtc: lastOpened,
		},
	}
	for _, e := range items {
		snap.Evidence = append(snap.Evidence, store.EvidenceSnapshot{
			SchemaVersion:      store.ManifestSchemaVersion,
			EvidenceItemId:     e.EvidenceItemID,
			CaseId:             e.CaseID,
			AddedAtUtc:         store.FormatTime(e.AddedAtUTC),
			OriginalPath:       e.OriginalPath,
			OriginalFileName:   e.OriginalFileName,
			StoredRelativePath: e.StoredRelativePath,
			SizeBytes:          e.SizeBytes,
			Sha256Hex:          e.Sha256Hex,
			FileExtension:      e.FileExtension,
			SourceType:         string(e.SourceType),
		})
	}
	return store.WriteCaseSnapshotAtomic(path, snap)
}
