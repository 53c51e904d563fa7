// Package vault implements the Evidence Vault: streaming import of a
// source file into the content-addressed case tree with an
// incremental SHA-256, and after-the-fact integrity verification.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/audit"
	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/caseworkspace"
	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/store"
	"github.com/casegraph/workspace/internal/writegate"
	"github.com/casegraph/workspace/pkg/pool"
)

// ProgressFunc reports bytesProcessed/totalBytes during a streaming
// copy or verify, per spec §4.3.
type ProgressFunc func(bytesProcessed, totalBytes int64)

// Vault owns the streaming copy/hash/manifest logic.
type Vault struct {
	Store *store.Store
	Gate  *writegate.Gate
	Audit *audit.Recorder
	Case  *caseworkspace.Workspace
	Clock clockpath.Clock
	Paths clockpath.Paths
	Log   *zap.Logger
}

// New builds a Vault bound to an open Store.
func New(s *store.Store, gate *writegate.Gate, rec *audit.Recorder, cw *caseworkspace.Workspace, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{Store: s, Gate: gate, Audit: rec, Case: cw, Clock: s.Clock, Paths: s.Paths, Log: log}
}

// classifySourceType duplicates the unexported store.classifySourceType,
// mapping a file extension to its SourceType at import time.
func classifySourceType(ext string) store.SourceType {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "ufdr":
		return store.SourceTypeUFDR
	case "zip":
		return store.SourceTypeZIP
	case "xlsx":
		return store.SourceTypeXLSX
	case "plist":
		return store.SourceTypePlist
	default:
		return store.SourceTypeOther
	}
}

// ImportEvidenceFile validates the source path, streams it into the
// case vault while computing SHA-256, writes manifest.json, persists
// the EvidenceItem row, and rewrites the case snapshot. The row insert
// and snapshot rewrite run together under the write gate; the stored
// copy and manifest.json are written in place beforehand and are not
// removed if a later step fails.
func (v *Vault) ImportEvidenceFile(ctx context.Context, operator, caseID, absolutePath string, progress ProgressFunc) (store.EvidenceItem, error) {
	info, err := os.Stat(absolutePath)
	if err != nil {
		return store.EvidenceItem{}, &caseerr.InvalidArgument{Field: "absolutePath", Reason: "file does not exist"}
	}
	if info.IsDir() {
		return store.EvidenceItem{}, &caseerr.InvalidArgument{Field: "absolutePath", Reason: "is a directory"}
	}

	caseUUID, err := uuid.Parse(caseID)
	if err != nil {
		return store.EvidenceItem{}, &caseerr.InvalidArgument{Field: "caseId", Reason: "not a valid UUID"}
	}

	evidenceID := uuid.New()
	fileName := filepath.Base(absolutePath)
	ext := filepath.Ext(fileName)
	sourceType := classifySourceType(ext)
	totalBytes := info.Size()

	vaultDir := v.Paths.EvidenceOriginalDir(caseUUID, evidenceID)
	if err := os.MkdirAll(vaultDir, 0o755); err != nil {
		return store.EvidenceItem{}, fmt.Errorf("create vault directory: %w", err)
	}
	destPath := filepath.Join(vaultDir, fileName)

	sha256Hex, err := copyAndHash(ctx, absolutePath, destPath, totalBytes, progress)
	if err != nil {
		return store.EvidenceItem{}, err
	}

	now := v.Clock.NowUTC()
	storedRel := relSlash(v.Paths.CaseDir(caseUUID), destPath)
	manifestPath := v.Paths.EvidenceManifestPath(caseUUID, evidenceID)
	manifestRel := relSlash(v.Paths.CaseDir(caseUUID), manifestPath)

	item := store.EvidenceItem{
		EvidenceItemID:       evidenceID.String(),
		CaseID:               caseID,
		DisplayName:          fileName,
		OriginalPath:         absolutePath,
		OriginalFileName:     fileName,
		AddedAtUTC:           now,
		SizeBytes:            totalBytes,
		Sha256Hex:            sha256Hex,
		FileExtension:        ext,
		SourceType:           sourceType,
		ManifestRelativePath: manifestRel,
		StoredRelativePath:   storedRel,
	}

	m := store.Manifest{
		SchemaVersion:      store.ManifestSchemaVersion,
		EvidenceItemId:     item.EvidenceItemID,
		CaseId:             item.CaseID,
		AddedAtUtc:         store.FormatTime(now),
		Operator:           operator,
		OriginalPath:       item.OriginalPath,
		OriginalFileName:   item.OriginalFileName,
		StoredRelativePath: item.StoredRelativePath,
		SizeBytes:          item.SizeBytes,
		Sha256Hex:          item.Sha256Hex,
		FileExtension:      item.FileExtension,
		SourceType:         string(item.SourceType),
	}
	if err := store.WriteManifest(manifestPath, m); err != nil {
		return store.EvidenceItem{}, fmt.Errorf("write manifest: %w", err)
	}

	err = v.Gate.DoRetry(ctx, v.Log, "ImportEvidenceFile", v.Store.DBPath, func() error {
		if _, err := v.Store.DB.Exec(
			`INSERT INTO EvidenceItems
				(EvidenceItemId, CaseId, DisplayName, OriginalPath, OriginalFileName, AddedAtUtc,
				 SizeBytes, Sha256Hex, FileExtension, SourceType, ManifestRelativePath, StoredRelativePath)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.EvidenceItemID, item.CaseID, item.DisplayName, item.OriginalPath, item.OriginalFileName,
			store.FormatTime(now), item.SizeBytes, item.Sha256Hex, item.FileExtension, string(item.SourceType),
			item.ManifestRelativePath, item.StoredRelativePath,
		); err != nil {
			return fmt.Errorf("insert evidence row: %w", err)
		}
		return v.Case.RewriteSnapshotLocked(caseID)
	})
	if err != nil {
		return store.EvidenceItem{}, err
	}

	if v.Audit != nil {
		if err := v.Audit.RecordEvidence(operator, "EvidenceImported", caseID, item.EvidenceItemID,
			fmt.Sprintf("Evidence %q imported (%d bytes).", fileName, totalBytes),
			map[string]any{"sha256Hex": sha256Hex, "sourceType": string(sourceType)},
		); err != nil {
			v.Log.Warn("failed to record EvidenceImported audit event", zap.Error(err))
		}
	}

	return item, nil
}

// VerifyEvidence recomputes the stored file's SHA-256 and compares it
// case-insensitively against the recorded hash, per spec §4.3.
func (v *Vault) VerifyEvidence(ctx context.Context, caseID string, item store.EvidenceItem, progress ProgressFunc) (bool, string, error) {
	caseUUID, err := uuid.Parse(caseID)
	if err != nil {
		return false, "", &caseerr.InvalidArgument{Field: "caseId", Reason: "not a valid UUID"}
	}
	fullPath := filepath.Join(v.Paths.CaseDir(caseUUID), filepath.FromSlash(item.StoredRelativePath))

	info, err := os.Stat(fullPath)
	if err != nil {
		return false, "Stored evidence file is missing.", nil
	}

	actual, err := hashFile(ctx, fullPath, info.Size(), progress)
	if err != nil {
		return false, "", err
	}

	if !strings.EqualFold(actual, item.Sha256Hex) {
		return false, "SHA-256 mismatch. Stored file contents changed.", nil
	}
	return true, "", nil
}

func copyAndHash(ctx context.Context, srcPath, destPath string, totalBytes int64, progress ProgressFunc) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create destination file: %w", err)
	}
	defer dest.Close()

	hasher := sha256.New()
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	var processed int64
	for {
		if err := ctx.Err(); err != nil {
			return "", &caseerr.Canceled{Operation: "ImportEvidenceFile"}
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := hasher.Write(buf[:n]); err != nil {
				return "", err
			}
			if _, err := dest.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("write destination file: %w", err)
			}
			processed += int64(n)
			if progress != nil {
				progress(processed, totalBytes)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read source file: %w", readErr)
		}
	}
	if err := dest.Sync(); err != nil {
		return "", fmt.Errorf("sync destination file: %w", err)
	}
	if progress != nil {
		progress(totalBytes, totalBytes)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(ctx context.Context, path string, totalBytes int64, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	var processed int64
	for {
		if err := ctx.Err(); err != nil {
			return "", &caseerr.Canceled{Operation: "VerifyEvidence"}
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := hasher.Write(buf[:n]); err != nil {
				return "", err
			}
			processed += int64(n)
			if progress != nil {
				progress(processed, totalBytes)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	if progress != nil {
		progress(totalBytes, totalBytes)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func relSlash(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		rel = target
	}
	return filepath.ToSlash(rel)
}
