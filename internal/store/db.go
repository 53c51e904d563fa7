package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/clockpath"
)

// Store owns the single *sql.DB handle for the workspace and the
// initializer/repair logic described in spec §4.1.
type Store struct {
	DB     *sql.DB
	Paths  clockpath.Paths
	Clock  clockpath.Clock
	Log    *zap.Logger
	DBPath string
}

// busyTimeoutMillis is the pragma applied to every connection, per §4.1 step 6.
const busyTimeoutMillis = 5000

// Open resolves the workspace root, ensures directories exist, and
// opens (creating/migrating/repairing as needed) the SQLite database.
func Open(log *zap.Logger, clock clockpath.Clock) (*Store, error) {
	paths, err := clockpath.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve workspace paths: %w", err)
	}
	return OpenAt(log, clock, paths)
}

// OpenAt is like Open but with an explicit workspace root, primarily
// for tests.
func OpenAt(log *zap.Logger, clock clockpath.Clock, paths clockpath.Paths) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = clockpath.SystemClock{}
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure workspace directories: %w", err)
	}

	dbPath := paths.DbPath()
	s := &Store{Paths: paths, Clock: clock, Log: log, DBPath: dbPath}

	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openConn(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	return db, nil
}

// initialize implements §4.1: create-or-migrate-or-repair, then FTS
// setup, then abandon stale Running jobs.
func (s *Store) initialize() error {
	correlationID := uuid.NewString()

	_, statErr := os.Stat(s.DBPath)
	dbExists := statErr == nil

	db, err := s.openConn(s.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	needsRepair := false
	if dbExists {
		hasHistory, err := hasMigrationHistory(db)
		if err != nil {
			db.Close()
			return fmt.Errorf("inspect migration history: %w", err)
		}
		if !hasHistory {
			missing, err := missingRequiredTables(db)
			if err != nil {
				db.Close()
				return fmt.Errorf("inspect required tables: %w", err)
			}
			if len(missing) > 0 {
				needsRepair = true
			}
			// Has no history but all required tables present: treat as
			// foreign-but-compatible and adopt it by stamping history.
		}
	}

	if needsRepair {
		db.Close()
		if err := s.quarantineBroken(); err != nil {
			return fmt.Errorf("quarantine broken database: %w", err)
		}
		db, err = s.openConn(s.DBPath)
		if err != nil {
			return fmt.Errorf("open fresh database after repair: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return fmt.Errorf("run migrations: %w", err)
	}

	missing, err := missingRequiredTables(db)
	if err != nil {
		db.Close()
		return err
	}
	if len(missing) > 0 {
		db.Close()
		return &caseerr.InvalidWorkspaceState{
			CorrelationID: correlationID,
			Reason:        fmt.Sprintf("required tables still missing after migration/repair: %v", missing),
		}
	}

	s.DB = db

	if needsRepair {
		summary, err := s.rebuildFromManifests()
		if err != nil {
			s.Log.Error("workspace rebuild from manifests failed", zap.Error(err), zap.String("correlationId", correlationID))
			return fmt.Errorf("rebuild from manifests: %w", err)
		}
		if err := s.InsertAudit(AuditEvent{
			AuditEventID: uuid.NewString(),
			TimestampUTC: s.Clock.NowUTC(),
			Operator:     "system",
			ActionType:   "WorkspaceDbRebuilt",
			Summary:      summary.String(),
			JSONPayload:  summary.JSON(),
		}); err != nil {
			s.Log.Warn("failed to record WorkspaceDbRebuilt audit event", zap.Error(err))
		}
	}

	if err := s.abandonStaleRunningJobs(); err != nil {
		return fmt.Errorf("abandon stale running jobs: %w", err)
	}

	return nil
}

// quarantineBroken moves the existing database file (and WAL/SHM
// sidecars) aside to workspace.broken.<timestamp>[.N].db, per §4.1 step 2.
func (s *Store) quarantineBroken() error {
	ts := s.Clock.NowUTC().Format("20060102-150405")
	base := filepath.Join(s.Paths.Root, fmt.Sprintf("workspace.broken.%s.db", ts))
	target := base
	for n := 1; fileExists(target); n++ {
		target = filepath.Join(s.Paths.Root, fmt.Sprintf("workspace.broken.%s.%d.db", ts, n))
	}
	s.Log.Warn("quarantining broken workspace database", zap.String("from", s.DBPath), zap.String("to", target))
	if err := os.Rename(s.DBPath, target); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		sidecar := s.DBPath + suffix
		if fileExists(sidecar) {
			_ = os.Rename(sidecar, target+suffix)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// abandonStaleRunningJobs marks any job left Running by a prior
// process as Abandoned, per §4.1 step 5.
func (s *Store) abandonStaleRunningJobs() error {
	rows, err := s.DB.Query("SELECT JobId FROM Jobs WHERE Status = ?", string(JobStatusRunning))
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil
	}

	now := s.Clock.NowUTC()
	for _, id := range ids {
		_, err := s.DB.Exec(
			`UPDATE Jobs SET Status = ?, CompletedAtUtc = ?, Progress = 1.0, StatusMessage = 'Abandoned on restart' WHERE JobId = ?`,
			string(JobStatusAbandoned), formatTime(now), id,
		)
		if err != nil {
			return fmt.Errorf("abandon job %s: %w", id, err)
		}
		if err := s.InsertAudit(AuditEvent{
			AuditEventID: uuid.NewString(),
			TimestampUTC: now,
			Operator:     "system",
			ActionType:   "JobAbandoned",
			Summary:      fmt.Sprintf("Job %s abandoned: process restarted while Running.", id),
			JSONPayload:  fmt.Sprintf(`{"jobId":%q}`, id),
		}); err != nil {
			s.Log.Warn("failed to record JobAbandoned audit event", zap.Error(err), zap.String("jobId", id))
		}
	}
	s.Log.Info("abandoned stale running jobs on startup", zap.Int("count", len(ids)))
	return nil
}

// InsertAudit appends one immutable audit row. Exported so the higher
// level services (audit.Recorder) can write lifecycle events without
// reaching into the DB handle directly.
func (s *Store) InsertAudit(ev AuditEvent) error {
	_, err := s.DB.Exec(
		`INSERT INTO AuditEvents (AuditEventId, TimestampUtc, Operator, ActionType, CaseId, EvidenceItemId, Summary, JsonPayload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AuditEventID, formatTime(ev.TimestampUTC), ev.Operator, ev.ActionType,
		ev.CaseID, ev.EvidenceItemID, ev.Summary, ev.JSONPayload,
	)
	return err
}

// SchemaVersion returns the highest applied migration version recorded
// in schema_migrations, or 0 on a database with no history yet.
func (s *Store) SchemaVersion() (int, error) {
	var version sql.NullInt64
	err := s.DB.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

// PendingMigrations returns the names of migrations in migrationsList
// not yet recorded as applied, in execution order.
func (s *Store) PendingMigrations() ([]string, error) {
	applied, err := s.SchemaVersion()
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range migrationsList {
		if m.Version > applied {
			pending = append(pending, m.Name)
		}
	}
	return pending, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// formatTime renders a UTC time as an ISO-8601 string with offset, the
// canonical wire/storage format throughout the workspace.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime, tolerant of a bare RFC3339.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// FormatTime is the exported form of formatTime, for callers outside
// the package that persist or snapshot timestamps in the same format.
func FormatTime(t time.Time) string { return formatTime(t) }

// ParseTime is the exported form of parseTime.
func ParseTime(s string) (time.Time, error) { return parseTime(s) }
