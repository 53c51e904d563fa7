package store

import (
	"database/sql"
	"fmt"
)

// migration mirrors the BeadsLog/steveyegge-beads migration-runner
// pattern: an ordered, named, idempotent step applied inside its own
// transaction together with its schema_migrations row.
type migration struct {
	Version int
	Name    string
	Apply   func(*sql.Tx) error
}

// migrationsList is the ordered set of schema changes. New migrations
// are appended; existing ones are never edited once released.
var migrationsList = []migration{
	{1, "initial_schema", migrateInitialSchema},
	{2, "message_event_fts", migrateMessageEventFts},
}

// RequiredTables lists every base table the initializer checks for
// before deciding the database is usable without repair.
var RequiredTables = []string{
	"Cases",
	"EvidenceItems",
	"AuditEvents",
	"Jobs",
	"MessageThreads",
	"MessageEventRecord",
	"MessageParticipants",
	"Targets",
	"TargetAliases",
	"Identifiers",
	"TargetIdentifierLinks",
	"MessageParticipantLinks",
	"GlobalPersons",
	"PersonAliases",
	"PersonIdentifiers",
	"TargetMessagePresence",
}

func migrateInitialSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS Cases (
			CaseId TEXT PRIMARY KEY,
			Name TEXT NOT NULL,
			CreatedAtUtc TEXT NOT NULL,
			LastOpenedAtUtc TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS EvidenceItems (
			EvidenceItemId TEXT PRIMARY KEY,
			CaseId TEXT NOT NULL REFERENCES Cases(CaseId) ON DELETE CASCADE,
			DisplayName TEXT NOT NULL,
			OriginalPath TEXT NOT NULL,
			OriginalFileName TEXT NOT NULL,
			AddedAtUtc TEXT NOT NULL,
			SizeBytes INTEGER NOT NULL,
			Sha256Hex TEXT NOT NULL,
			FileExtension TEXT NOT NULL,
			SourceType TEXT NOT NULL,
			ManifestRelativePath TEXT NOT NULL,
			StoredRelativePath TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_case ON EvidenceItems(CaseId)`,
		`CREATE TABLE IF NOT EXISTS AuditEvents (
			AuditEventId TEXT PRIMARY KEY,
			TimestampUtc TEXT NOT NULL,
			Operator TEXT NOT NULL,
			ActionType TEXT NOT NULL,
			CaseId TEXT,
			EvidenceItemId TEXT,
			Summary TEXT NOT NULL,
			JsonPayload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_case ON AuditEvents(CaseId)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON AuditEvents(TimestampUtc)`,
		`CREATE TABLE IF NOT EXISTS Jobs (
			JobId TEXT PRIMARY KEY,
			CreatedAtUtc TEXT NOT NULL,
			StartedAtUtc TEXT,
			CompletedAtUtc TEXT,
			Status TEXT NOT NULL,
			JobType TEXT NOT NULL,
			CaseId TEXT,
			EvidenceItemId TEXT,
			Progress REAL NOT NULL DEFAULT 0,
			StatusMessage TEXT NOT NULL DEFAULT '',
			ErrorMessage TEXT,
			JsonPayload TEXT NOT NULL DEFAULT '',
			CorrelationId TEXT NOT NULL,
			Operator TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON Jobs(Status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_case_evidence ON Jobs(CaseId, EvidenceItemId)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON Jobs(CreatedAtUtc)`,
		`CREATE TABLE IF NOT EXISTS MessageThreads (
			ThreadId TEXT PRIMARY KEY,
			CaseId TEXT NOT NULL,
			EvidenceItemId TEXT NOT NULL,
			Platform TEXT NOT NULL,
			ThreadKey TEXT NOT NULL,
			Title TEXT,
			CreatedAtUtc TEXT NOT NULL,
			SourceLocator TEXT NOT NULL,
			IngestModuleVersion TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_evidence ON MessageThreads(EvidenceItemId)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_case ON MessageThreads(CaseId)`,
		`CREATE TABLE IF NOT EXISTS MessageEventRecord (
			MessageEventId TEXT PRIMARY KEY,
			ThreadId TEXT NOT NULL,
			CaseId TEXT NOT NULL,
			EvidenceItemId TEXT NOT NULL,
			Platform TEXT NOT NULL,
			TimestampUtc TEXT,
			Direction TEXT NOT NULL,
			Sender TEXT,
			Recipients TEXT,
			Body TEXT,
			IsDeleted INTEGER NOT NULL DEFAULT 0,
			SourceLocator TEXT NOT NULL,
			IngestModuleVersion TEXT NOT NULL,
			UNIQUE(EvidenceItemId, SourceLocator)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_thread ON MessageEventRecord(ThreadId)`,
		`CREATE INDEX IF NOT EXISTS idx_events_case ON MessageEventRecord(CaseId)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON MessageEventRecord(TimestampUtc)`,
		`CREATE TABLE IF NOT EXISTS MessageParticipants (
			ParticipantId TEXT PRIMARY KEY,
			ThreadId TEXT NOT NULL,
			Value TEXT NOT NULL,
			Kind TEXT NOT NULL,
			SourceLocator TEXT NOT NULL,
			IngestModuleVersion TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_thread ON MessageParticipants(ThreadId)`,
		`CREATE TABLE IF NOT EXISTS Targets (
			TargetId TEXT PRIMARY KEY,
			CaseId TEXT NOT NULL,
			DisplayName TEXT NOT NULL,
			PrimaryAlias TEXT,
			Notes TEXT,
			CreatedAtUtc TEXT NOT NULL,
			UpdatedAtUtc TEXT NOT NULL,
			SourceType TEXT NOT NULL DEFAULT '',
			SourceLocator TEXT NOT NULL DEFAULT '',
			IngestModuleVersion TEXT NOT NULL DEFAULT '',
			GlobalEntityId TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_case ON Targets(CaseId)`,
		`CREATE TABLE IF NOT EXISTS TargetAliases (
			AliasId TEXT PRIMARY KEY,
			TargetId TEXT NOT NULL REFERENCES Targets(TargetId) ON DELETE CASCADE,
			CaseId TEXT NOT NULL,
			Alias TEXT NOT NULL,
			AliasNormalized TEXT NOT NULL,
			UNIQUE(CaseId, AliasNormalized, TargetId)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aliases_target ON TargetAliases(TargetId)`,
		`CREATE TABLE IF NOT EXISTS Identifiers (
			IdentifierId TEXT PRIMARY KEY,
			CaseId TEXT NOT NULL,
			Type TEXT NOT NULL,
			ValueRaw TEXT NOT NULL,
			ValueNormalized TEXT NOT NULL,
			Notes TEXT,
			SourceType TEXT NOT NULL DEFAULT '',
			SourceLocator TEXT NOT NULL DEFAULT '',
			IngestModuleVersion TEXT NOT NULL DEFAULT '',
			UNIQUE(CaseId, Type, ValueNormalized)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identifiers_case ON Identifiers(CaseId)`,
		`CREATE TABLE IF NOT EXISTS TargetIdentifierLinks (
			LinkId TEXT PRIMARY KEY,
			CaseId TEXT NOT NULL,
			TargetId TEXT NOT NULL REFERENCES Targets(TargetId) ON DELETE CASCADE,
			IdentifierId TEXT NOT NULL REFERENCES Identifiers(IdentifierId) ON DELETE CASCADE,
			IsPrimary INTEGER NOT NULL DEFAULT 0,
			SourceType TEXT NOT NULL DEFAULT '',
			SourceLocator TEXT NOT NULL DEFAULT '',
			IngestModuleVersion TEXT NOT NULL DEFAULT '',
			UNIQUE(TargetId, IdentifierId)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_til_identifier ON TargetIdentifierLinks(IdentifierId)`,
		`CREATE INDEX IF NOT EXISTS idx_til_target ON TargetIdentifierLinks(TargetId)`,
		`CREATE TABLE IF NOT EXISTS MessageParticipantLinks (
			ParticipantLinkId TEXT PRIMARY KEY,
			CaseId TEXT NOT NULL,
			MessageEventId TEXT NOT NULL REFERENCES MessageEventRecord(MessageEventId) ON DELETE CASCADE,
			Role TEXT NOT NULL,
			ParticipantRaw TEXT NOT NULL,
			IdentifierId TEXT NOT NULL,
			TargetId TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mpl_event ON MessageParticipantLinks(MessageEventId)`,
		`CREATE INDEX IF NOT EXISTS idx_mpl_identifier ON MessageParticipantLinks(IdentifierId)`,
		`CREATE INDEX IF NOT EXISTS idx_mpl_target ON MessageParticipantLinks(TargetId)`,
		`CREATE TABLE IF NOT EXISTS GlobalPersons (
			GlobalPersonId TEXT PRIMARY KEY,
			DisplayName TEXT NOT NULL,
			CreatedAtUtc TEXT NOT NULL,
			UpdatedAtUtc TEXT NOT NULL,
			Notes TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS PersonAliases (
			PersonAliasId TEXT PRIMARY KEY,
			GlobalPersonId TEXT NOT NULL REFERENCES GlobalPersons(GlobalPersonId) ON DELETE CASCADE,
			Alias TEXT NOT NULL,
			AliasNormalized TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS PersonIdentifiers (
			PersonIdentifierId TEXT PRIMARY KEY,
			GlobalPersonId TEXT NOT NULL REFERENCES GlobalPersons(GlobalPersonId) ON DELETE CASCADE,
			Type TEXT NOT NULL,
			ValueRaw TEXT NOT NULL,
			ValueNormalized TEXT NOT NULL,
			IsPrimary INTEGER NOT NULL DEFAULT 0,
			UNIQUE(Type, ValueNormalized)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_person_identifiers_person ON PersonIdentifiers(GlobalPersonId)`,
		`CREATE TABLE IF NOT EXISTS TargetMessagePresence (
			PresenceId TEXT PRIMARY KEY,
			CaseId TEXT NOT NULL,
			TargetId TEXT NOT NULL,
			MessageEventId TEXT NOT NULL,
			MatchedIdentifierId TEXT NOT NULL,
			Role TEXT NOT NULL,
			EvidenceItemId TEXT NOT NULL,
			SourceLocator TEXT NOT NULL,
			MessageTimestampUtc TEXT,
			FirstSeenUtc TEXT NOT NULL,
			LastSeenUtc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_case_target ON TargetMessagePresence(CaseId, TargetId)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_evidence ON TargetMessagePresence(EvidenceItemId)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_identifier ON TargetMessagePresence(MatchedIdentifierId)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_message ON TargetMessagePresence(MessageEventId)`,
	}
	return execAll(tx, stmts)
}

// migrateMessageEventFts creates the FTS5 shadow table and the
// triggers that keep it in lock-step with MessageEventRecord writes,
// per spec §4.1 step 4 and §6.
func migrateMessageEventFts(tx *sql.Tx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS MessageEventFts USING fts5(
			MessageEventId UNINDEXED,
			CaseId UNINDEXED,
			Platform,
			Sender,
			Recipients,
			Body
		)`,
		`CREATE TRIGGER IF NOT EXISTS trg_message_event_fts_insert
			AFTER INSERT ON MessageEventRecord
			BEGIN
				INSERT INTO MessageEventFts(MessageEventId, CaseId, Platform, Sender, Recipients, Body)
				VALUES (new.MessageEventId, new.CaseId, new.Platform, new.Sender, new.Recipients, new.Body);
			END`,
		`CREATE TRIGGER IF NOT EXISTS trg_message_event_fts_update
			AFTER UPDATE ON MessageEventRecord
			BEGIN
				DELETE FROM MessageEventFts WHERE MessageEventId = old.MessageEventId;
				INSERT INTO MessageEventFts(MessageEventId, CaseId, Platform, Sender, Recipients, Body)
				VALUES (new.MessageEventId, new.CaseId, new.Platform, new.Sender, new.Recipients, new.Body);
			END`,
		`CREATE TRIGGER IF NOT EXISTS trg_message_event_fts_delete
			AFTER DELETE ON MessageEventRecord
			BEGIN
				DELETE FROM MessageEventFts WHERE MessageEventId = old.MessageEventId;
			END`,
	}
	return execAll(tx, stmts)
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// runMigrations executes each pending migration in order, each in its
// own (deferred, non-EXCLUSIVE) transaction, following the
// BeadsLog/steveyegge-beads migration-runner pattern.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at_utc TEXT NOT NULL, name TEXT NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrationsList {
		if applied[m.Version] {
			continue
		}
		if err := applyOneMigration(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func applyOneMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := m.Apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations(version, applied_at_utc, name) VALUES (?, strftime('%Y-%m-%dT%H:%M:%fZ','now'), ?)",
		m.Version, m.Name,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// hasMigrationHistory reports whether schema_migrations exists, used
// by the initializer to distinguish "fresh" from "foreign" databases.
func hasMigrationHistory(db *sql.DB) (bool, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// missingRequiredTables returns the subset of RequiredTables absent
// from the database.
func missingRequiredTables(db *sql.DB) ([]string, error) {
	var missing []string
	for _, table := range RequiredTables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == sql.ErrNoRows {
			missing = append(missing, table)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}
