package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/store"
)

// execute runs one dequeued job end to end, per spec §4.4.
func (r *Runner) execute(jobID string) {
	info, err := r.loadJob(jobID)
	if err != nil {
		r.Log.Error("job vanished before execution", zap.String("jobId", jobID), zap.Error(err))
		return
	}
	if info.Status != store.JobStatusQueued {
		return
	}

	now := r.Clock.NowUTC()
	err = r.Gate.DoRetry(r.hostCtx, r.Log, "StartJob", r.Store.DBPath, func() error {
		res, err := r.Store.DB.Exec(
			`UPDATE Jobs SET Status = ?, StartedAtUtc = COALESCE(StartedAtUtc, ?) WHERE JobId = ? AND Status = ?`,
			string(store.JobStatusRunning), store.FormatTime(now), jobID, string(store.JobStatusQueued),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errNotQueuedAnymore
		}
		return nil
	})
	if err == errNotQueuedAnymore {
		return
	}
	if err != nil {
		r.Log.Error("failed to transition job to Running", zap.String("jobId", jobID), zap.Error(err))
		return
	}

	info, err = r.loadJob(jobID)
	if err != nil {
		r.Log.Error("failed to reload job after start", zap.String("jobId", jobID), zap.Error(err))
		return
	}
	r.broadcaster.Publish(info)

	jobCtx, cancel := context.WithCancel(r.hostCtx)
	defer cancel()
	r.cancels.register(jobID, cancel)
	defer r.cancels.forget(jobID)

	progressFn := r.makeProgressReporter(jobID, info)

	runErr := r.dispatch(jobCtx, info, progressFn)
	r.finish(jobID, info, runErr)
}

var errNotQueuedAnymore = fmt.Errorf("job no longer queued")

// makeProgressReporter returns a callback that applies the monotone
// progress policy and persists/publishes according to spec §4.4's
// throttling rule.
func (r *Runner) makeProgressReporter(jobID string, base store.Job) func(progress float64, message string) {
	state := newProgressState(r.Clock)
	return func(progress float64, message string) {
		eff, effMsg, changed, persist := state.advance(progress, message)
		if !changed {
			return
		}
		snapshot := base
		snapshot.Progress = eff
		snapshot.StatusMessage = effMsg
		snapshot.Status = store.JobStatusRunning
		r.broadcaster.Publish(snapshot)

		if persist {
			if err := r.updateRunningProgress(jobID, eff, effMsg); err != nil {
				r.Log.Warn("JobProgressUpdateDropped", zap.String("jobId", jobID), zap.Error(err))
			}
		}
	}
}

// dispatch runs the jobType-specific body, per spec §4.4's Execute table.
func (r *Runner) dispatch(ctx context.Context, info store.Job, progress func(float64, string)) error {
	switch JobType(info.JobType) {
	case JobTypeEvidenceImport:
		return r.runEvidenceImport(ctx, info, progress)
	case JobTypeEvidenceVerify:
		return r.runEvidenceVerify(ctx, info, progress)
	case JobTypeMessagesIngest:
		return r.runMessagesIngest(ctx, info, progress)
	case JobTypeTargetPresenceIndexRebuild:
		return r.runPresenceRebuild(ctx, info, progress)
	case JobTypeTestLongRunningDelay:
		return r.runTestLongRunningDelay(ctx, info, progress)
	default:
		return &caseerr.InvalidArgument{Field: "jobType", Reason: "unsupported at execute time"}
	}
}

func (r *Runner) runEvidenceImport(ctx context.Context, info store.Job, progress func(float64, string)) error {
	var payload EvidenceImportPayload
	if err := json.Unmarshal([]byte(info.JSONPayload), &payload); err != nil {
		return fmt.Errorf("decode EvidenceImport payload: %w", err)
	}
	total := len(payload.Files)
	if total == 0 {
		progress(1.0, "Succeeded: no files to import.")
		return nil
	}
	for i, path := range payload.Files {
		if err := ctx.Err(); err != nil {
			return &caseerr.Canceled{Operation: "EvidenceImport"}
		}
		base := float64(i) / float64(total)
		progress(base, fmt.Sprintf("Importing %d/%d: %s", i+1, total, path))
		_, err := r.Vault.ImportEvidenceFile(ctx, info.Operator, *info.CaseID, path, func(processed, totalBytes int64) {
			var innerFrac float64
			if totalBytes > 0 {
				innerFrac = float64(processed) / float64(totalBytes)
			}
			progress((float64(i)+innerFrac)/float64(total), fmt.Sprintf("Importing %d/%d: %s", i+1, total, path))
		})
		if err != nil {
			return err
		}
	}
	progress(1.0, fmt.Sprintf("Succeeded: imported %d file(s).", total))
	return nil
}

func (r *Runner) runEvidenceVerify(ctx context.Context, info store.Job, progress func(float64, string)) error {
	var payload EvidenceVerifyPayload
	if err := json.Unmarshal([]byte(info.JSONPayload), &payload); err != nil {
		return fmt.Errorf("decode EvidenceVerify payload: %w", err)
	}

	item, err := r.loadEvidenceItem(payload.EvidenceItemID)
	if err != nil {
		return err
	}

	ok, message, err := r.Vault.VerifyEvidence(ctx, payload.CaseID, item, func(processed, total int64) {
		var frac float64
		if total > 0 {
			frac = float64(processed) / float64(total)
		}
		progress(frac, "Verifying evidence…")
	})
	if err != nil {
		return err
	}
	if !ok {
		return &caseerr.IntegrityMismatch{EvidenceItemID: item.EvidenceItemID, Expected: item.Sha256Hex, Actual: message}
	}
	progress(1.0, "Succeeded: Evidence verify completed.")
	return nil
}

func (r *Runner) runMessagesIngest(ctx context.Context, info store.Job, progress func(float64, string)) error {
	var payload MessagesIngestPayload
	if err := json.Unmarshal([]byte(info.JSONPayload), &payload); err != nil {
		return fmt.Errorf("decode MessagesIngest payload: %w", err)
	}
	progress(0.05, "Parsing…")

	item, err := r.loadEvidenceItem(payload.EvidenceItemID)
	if err != nil {
		return err
	}

	result, err := r.Ingest.Run(ctx, payload.CaseID, item, func(frac float64, message string) {
		progress(frac, message)
	})
	if err != nil {
		return err
	}

	if err := r.Presence.RebuildForEvidence(ctx, payload.CaseID, payload.EvidenceItemID); err != nil {
		return fmt.Errorf("refresh presence index: %w", err)
	}

	summary := result.SummaryOverride
	if summary == "" {
		summary = fmt.Sprintf("Succeeded: Extracted %d message(s).", result.MessagesExtracted)
	} else if len(summary) < 9 || summary[:9] != "Succeeded" {
		summary = "Succeeded: " + summary
	}
	progress(1.0, summary)

	if r.Audit != nil {
		_ = r.Audit.RecordEvidence(info.Operator, "MessagesIngested", payload.CaseID, payload.EvidenceItemID,
			fmt.Sprintf("Ingested %d message(s) across %d thread(s).", result.MessagesExtracted, result.ThreadsCreated),
			result.PlatformCounts)
	}
	return nil
}

func (r *Runner) runPresenceRebuild(ctx context.Context, info store.Job, progress func(float64, string)) error {
	var payload TargetPresenceIndexRebuildPayload
	if err := json.Unmarshal([]byte(info.JSONPayload), &payload); err != nil {
		return fmt.Errorf("decode TargetPresenceIndexRebuild payload: %w", err)
	}
	progress(0.15, "Rebuilding presence index…")
	if err := r.Presence.RebuildForCase(ctx, payload.CaseID); err != nil {
		return err
	}
	progress(1.0, "Succeeded: presence index rebuilt.")
	return nil
}

func (r *Runner) runTestLongRunningDelay(ctx context.Context, info store.Job, progress func(float64, string)) error {
	if !DebugBuild {
		return &caseerr.InvalidArgument{Field: "jobType", Reason: "TestLongRunningDelay is only valid in debug builds"}
	}
	var payload TestLongRunningDelayPayload
	if err := json.Unmarshal([]byte(info.JSONPayload), &payload); err != nil {
		return fmt.Errorf("decode TestLongRunningDelay payload: %w", err)
	}
	const ticks = 20
	tickDuration := time.Duration(payload.DelayMs) * time.Millisecond / ticks
	for i := 1; i <= ticks; i++ {
		select {
		case <-ctx.Done():
			return &caseerr.Canceled{Operation: "TestLongRunningDelay"}
		case <-time.After(tickDuration):
		}
		progress(float64(i)/ticks, fmt.Sprintf("Waiting… (%d/%d)", i, ticks))
	}
	progress(1.0, "Succeeded: delay completed.")
	return nil
}

func (r *Runner) loadEvidenceItem(evidenceItemID string) (store.EvidenceItem, error) {
	row := r.Store.DB.QueryRow(
		`SELECT EvidenceItemId, CaseId, DisplayName, OriginalPath, OriginalFileName, AddedAtUtc,
			SizeBytes, Sha256Hex, FileExtension, SourceType, ManifestRelativePath, StoredRelativePath
		 FROM EvidenceItems WHERE EvidenceItemId = ?`, evidenceItemID)
	var e store.EvidenceItem
	var added, sourceType string
	if err := row.Scan(&e.EvidenceItemID, &e.CaseID, &e.DisplayName, &e.OriginalPath, &e.OriginalFileName,
		&added, &e.SizeBytes, &e.Sha256Hex, &e.FileExtension, &sourceType, &e.ManifestRelativePath, &e.StoredRelativePath); err != nil {
		return store.EvidenceItem{}, &caseerr.NotFound{Kind: "EvidenceItem", ID: evidenceItemID}
	}
	t, err := store.ParseTime(added)
	if err != nil {
		return store.EvidenceItem{}, err
	}
	e.AddedAtUTC = t
	e.SourceType = store.SourceType(sourceType)
	return e, nil
}

// finish records the terminal transition for a completed job, per
// spec §4.4's success/cancellation/failure rules.
func (r *Runner) finish(jobID string, info store.Job, runErr error) {
	now := r.Clock.NowUTC()

	var status store.JobStatus
	var statusMessage string
	var errorMessage *string
	var actionType string

	switch {
	case runErr == nil:
		status = store.JobStatusSucceeded
		statusMessage = "Succeeded: job completed."
		actionType = "JobSucceeded"
	case isCanceled(runErr):
		status = store.JobStatusCanceled
		statusMessage = "Canceled"
		actionType = "JobCanceled"
	default:
		status = store.JobStatusFailed
		full := runErr.Error()
		errorMessage = &full
		statusMessage = "Failed: " + shortSummary(runErr)
		actionType = "JobFailed"
	}

	// A fresher progress message set via the final progress(1.0, "Succeeded: ...")
	// call already landed in the DB; only overwrite the message when this
	// transition's own wording should take precedence (cancel/fail).
	err := r.Gate.DoRetry(r.hostCtx, r.Log, "FinishJob", r.Store.DBPath, func() error {
		if status == store.JobStatusSucceeded {
			_, err := r.Store.DB.Exec(
				`UPDATE Jobs SET Status = ?, CompletedAtUtc = ?, Progress = 1.0 WHERE JobId = ?`,
				string(status), store.FormatTime(now), jobID,
			)
			return err
		}
		_, err := r.Store.DB.Exec(
			`UPDATE Jobs SET Status = ?, CompletedAtUtc = ?, Progress = 1.0, StatusMessage = ?, ErrorMessage = ? WHERE JobId = ?`,
			string(status), store.FormatTime(now), statusMessage, errorMessage, jobID,
		)
		return err
	})
	if err != nil {
		r.Log.Error("failed to persist job terminal transition", zap.String("jobId", jobID), zap.Error(err))
		return
	}

	if updated, err := r.loadJob(jobID); err == nil {
		r.broadcaster.Publish(updated)
	}

	if r.Audit != nil {
		_ = r.Audit.Record(info.Operator, actionType, info.CaseID, info.EvidenceItemID,
			fmt.Sprintf("Job %s transitioned to %s.", jobID, status), nil)
	}
}

func isCanceled(err error) bool {
	if err == nil {
		return false
	}
	var c *caseerr.Canceled
	if errors.As(err, &c) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func shortSummary(err error) string {
	switch e := err.(type) {
	case *caseerr.IntegrityMismatch:
		return e.Error()
	case *caseerr.NotFound:
		return e.Error()
	case *caseerr.InvalidArgument:
		return e.Error()
	default:
		msg := err.Error()
		if len(msg) > 120 {
			return msg[:120] + "…"
		}
		return msg
	}
}
