package store

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// RebuildSummary counts what the Rebuilder reconstituted, per §4.1 step 2.
type RebuildSummary struct {
	CasesRebuilt    int
	EvidenceRebuilt int
	CasesSkipped    int
	EvidenceSkipped int
}

// String renders a short human-readable audit summary.
func (r RebuildSummary) String() string {
	return fmt.Sprintf(
		"Workspace database rebuilt from manifests: %d case(s) and %d evidence item(s) recovered (%d case(s), %d evidence item(s) skipped due to errors).",
		r.CasesRebuilt, r.EvidenceRebuilt, r.CasesSkipped, r.EvidenceSkipped,
	)
}

// JSON renders the summary as a small JSON payload for the audit row.
func (r RebuildSummary) JSON() string {
	return fmt.Sprintf(
		`{"casesRebuilt":%d,"evidenceRebuilt":%d,"casesSkipped":%d,"evidenceSkipped":%d}`,
		r.CasesRebuilt, r.EvidenceRebuilt, r.CasesSkipped, r.EvidenceSkipped,
	)
}

// rebuildFromManifests walks cases/*/case.json and
// cases/*/vault/*/manifest.json to reconstitute Case and EvidenceItem
// rows after a repair. Per-item failures are swallowed and logged; an
// unreadable cases root is returned as an error. The caller checks for
// missing required tables before the rebuild runs.
func (s *Store) rebuildFromManifests() (RebuildSummary, error) {
	var summary RebuildSummary

	casesRoot := s.Paths.CasesRoot()
	entries, err := os.ReadDir(casesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, nil
		}
		return summary, fmt.Errorf("read cases root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		caseDir := filepath.Join(casesRoot, entry.Name())
		snapshotPath := filepath.Join(caseDir, "case.json")

		snap, err := ReadCaseSnapshot(snapshotPath)
		if err != nil {
			s.Log.Warn("skipping case during rebuild: unreadable case.json", zap.String("dir", caseDir), zap.Error(err))
			summary.CasesSkipped++
			continue
		}

		if err := s.rebuildInsertCase(snap.CaseInfo); err != nil {
			s.Log.Warn("skipping case during rebuild: insert failed", zap.String("dir", caseDir), zap.Error(err))
			summary.CasesSkipped++
			continue
		}
		summary.CasesRebuilt++

		vaultRoot := filepath.Join(caseDir, "vault")
		vaultEntries, err := os.ReadDir(vaultRoot)
		if err != nil {
			if !os.IsNotExist(err) {
				s.Log.Warn("failed to list vault directory during rebuild", zap.String("dir", vaultRoot), zap.Error(err))
			}
			continue
		}
		for _, ve := range vaultEntries {
			if !ve.IsDir() {
				continue
			}
			manifestPath := filepath.Join(vaultRoot, ve.Name(), "manifest.json")
			m, err := ReadManifest(manifestPath)
			if err != nil {
				s.Log.Warn("skipping evidence item during rebuild: unreadable manifest", zap.String("path", manifestPath), zap.Error(err))
				summary.EvidenceSkipped++
				continue
			}
			if err := s.rebuildInsertEvidence(m); err != nil {
				s.Log.Warn("skipping evidence item during rebuild: insert failed", zap.String("path", manifestPath), zap.Error(err))
				summary.EvidenceSkipped++
				continue
			}
			summary.EvidenceRebuilt++
		}
	}

	return summary, nil
}

func (s *Store) rebuildInsertCase(info CaseInfoSnapshot) error {
	_, err := s.DB.Exec(
		`INSERT OR IGNORE INTO Cases (CaseId, Name, CreatedAtUtc, LastOpenedAtUtc) VALUES (?, ?, ?, ?)`,
		info.CaseId, info.Name, info.CreatedAtUtc, info.LastOpenedAtUtc,
	)
	return err
}

func (s *Store) rebuildInsertEvidence(m Manifest) error {
	_, err := s.DB.Exec(
		`INSERT OR IGNORE INTO EvidenceItems
			(EvidenceItemId, CaseId, DisplayName, OriginalPath, OriginalFileName, AddedAtUtc,
			 SizeBytes, Sha256Hex, FileExtension, SourceType, ManifestRelativePath, StoredRelativePath)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.EvidenceItemId, m.CaseId, m.OriginalFileName, m.OriginalPath, m.OriginalFileName, m.AddedAtUtc,
		m.SizeBytes, m.Sha256Hex, m.FileExtension, m.SourceType, "manifest.json", m.StoredRelativePath,
	)
	return err
}
