// Package clockpath provides an injected time source and resolves the
// on-disk layout for a workspace root, matching the teacher's pattern
// of small, single-purpose packages with no global state.
package clockpath

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Clock is an injected time source so tests can control "now".
type Clock interface {
	NowUTC() time.Time
}

// SystemClock returns the real wall clock.
type SystemClock struct{}

// NowUTC returns the current UTC time.
func (SystemClock) NowUTC() time.Time { return time.Now().UTC() }

// FixedClock returns a fixed instant, for deterministic tests.
type FixedClock struct {
	At time.Time
}

// NowUTC returns the fixed instant.
func (c FixedClock) NowUTC() time.Time { return c.At.UTC() }

const workspaceRootEnvVar = "CASEGRAPH_WORKSPACE_ROOT"
const appDirName = "CaseGraphOffline"

// Paths resolves all on-disk locations under a single workspace root.
type Paths struct {
	Root string
}

// Resolve determines the workspace root from the environment override
// or the OS local-app-data default, per spec §6.
func Resolve() (Paths, error) {
	if v := os.Getenv(workspaceRootEnvVar); v != "" {
		return Paths{Root: v}, nil
	}
	base, err := localAppDataDir()
	if err != nil {
		return Paths{}, err
	}
	return Paths{Root: filepath.Join(base, appDirName)}, nil
}

func localAppDataDir() (string, error) {
	if runtime.GOOS == "windows" {
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			return v, nil
		}
	}
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return cfg, nil
}

// DbPath returns the path to the SQLite database file.
func (p Paths) DbPath() string { return filepath.Join(p.Root, "workspace.db") }

// CasesRoot returns the root directory for all case trees.
func (p Paths) CasesRoot() string { return filepath.Join(p.Root, "cases") }

// CaseDir returns the directory for a single case.
func (p Paths) CaseDir(caseID uuid.UUID) string {
	return filepath.Join(p.CasesRoot(), caseID.String())
}

// CaseSnapshotPath returns the path to a case's case.json snapshot.
func (p Paths) CaseSnapshotPath(caseID uuid.UUID) string {
	return filepath.Join(p.CaseDir(caseID), "case.json")
}

// EvidenceVaultDir returns the vault directory for a single evidence item.
func (p Paths) EvidenceVaultDir(caseID, evidenceItemID uuid.UUID) string {
	return filepath.Join(p.CaseDir(caseID), "vault", evidenceItemID.String())
}

// EvidenceManifestPath returns the path to an evidence item's manifest.json.
func (p Paths) EvidenceManifestPath(caseID, evidenceItemID uuid.UUID) string {
	return filepath.Join(p.EvidenceVaultDir(caseID, evidenceItemID), "manifest.json")
}

// EvidenceOriginalDir returns the directory holding the original stored bytes.
func (p Paths) EvidenceOriginalDir(caseID, evidenceItemID uuid.UUID) string {
	return filepath.Join(p.EvidenceVaultDir(caseID, evidenceItemID), "original")
}

// SessionExportsDir returns the directory for transient exports (e.g. graph images).
func (p Paths) SessionExportsDir() string {
	return filepath.Join(p.Root, "session", "exports")
}

// EnsureDirs creates the root directory tree needed before DB access.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.CasesRoot(), p.SessionExportsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
