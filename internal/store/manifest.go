package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestSchemaVersion is the only manifest.json schema version this
// build understands, per spec §6.
const ManifestSchemaVersion = 1

// Manifest is the sidecar written next to every imported evidence file.
// Field names are kept stable (PascalCase, matching the spec's wire
// format) because the Rebuilder parses these files directly.
type Manifest struct {
	SchemaVersion      int    `json:"SchemaVersion"`
	EvidenceItemId     string `json:"EvidenceItemId"`
	CaseId             string `json:"CaseId"`
	AddedAtUtc         string `json:"AddedAtUtc"`
	Operator           string `json:"Operator"`
	OriginalPath       string `json:"OriginalPath"`
	OriginalFileName   string `json:"OriginalFileName"`
	StoredRelativePath string `json:"StoredRelativePath"`
	SizeBytes          int64  `json:"SizeBytes"`
	Sha256Hex          string `json:"Sha256Hex"`
	FileExtension      string `json:"FileExtension"`
	SourceType         string `json:"SourceType"`
}

// WriteManifest serializes a manifest as pretty JSON to path.
func WriteManifest(path string, m Manifest) error {
	m.SchemaVersion = ManifestSchemaVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadManifest reads and validates a manifest.json file.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest %s: %w", path, err)
	}
	if m.SchemaVersion != ManifestSchemaVersion {
		return Manifest{}, fmt.Errorf("manifest %s: unsupported schema version %d", path, m.SchemaVersion)
	}
	return m, nil
}

// CaseInfoSnapshot is the CaseInfo block of case.json.
type CaseInfoSnapshot struct {
	CaseId          string  `json:"CaseId"`
	Name            string  `json:"Name"`
	CreatedAtUtc    string  `json:"CreatedAtUtc"`
	LastOpenedAtUtc *string `json:"LastOpenedAtUtc,omitempty"`
}

// EvidenceSnapshot is one entry in case.json's Evidence array — the
// manifest fields embedded for a self-contained case export.
type EvidenceSnapshot = Manifest

// CaseSnapshot is the full case.json document.
type CaseSnapshot struct {
	CaseInfo CaseInfoSnapshot   `json:"CaseInfo"`
	Evidence []EvidenceSnapshot `json:"Evidence"`
}

// WriteCaseSnapshotAtomic writes case.json via a temp-file-plus-rename
// so the file is never observed half-written, per spec §4.1/§6.
func WriteCaseSnapshotAtomic(path string, snap CaseSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal case snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".case-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp snapshot into place: %w", err)
	}
	return nil
}

// ReadCaseSnapshot reads a case.json document.
func ReadCaseSnapshot(path string) (CaseSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CaseSnapshot{}, err
	}
	var snap CaseSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return CaseSnapshot{}, fmt.Errorf("unmarshal case snapshot %s: %w", path, err)
	}
	return snap, nil
}

func evidenceExtensionOf(name string) string {
	ext := filepath.Ext(name)
	return strings.ToLower(ext)
}

func classifySourceType(ext string) SourceType {
	switch strings.TrimPrefix(ext, ".") {
	case "ufdr":
		return SourceTypeUFDR
	case "zip":
		return SourceTypeZIP
	case "xlsx":
		return SourceTypeXLSX
	case "plist":
		return SourceTypePlist
	default:
		return SourceTypeOther
	}
}

// parseOptionalTime parses an optional ISO-8601 field, returning nil
// for an empty string.
func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
