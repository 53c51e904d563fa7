package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/audit"
	"github.com/casegraph/workspace/internal/caseerr"
	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/ingest"
	"github.com/casegraph/workspace/internal/presence"
	"github.com/casegraph/workspace/internal/store"
	"github.com/casegraph/workspace/internal/vault"
	"github.com/casegraph/workspace/internal/writegate"
)

// DebugBuild gates JobTypeTestLongRunningDelay per spec §4.4: "only
// valid in debug builds." Set it to true from code, e.g. in test setup.
var DebugBuild = false

// Runner dequeues and executes jobs one at a time, per spec §4.4's
// "dequeue → execute → loop" single-reader dispatch model.
type Runner struct {
	Store    *store.Store
	Gate     *writegate.Gate
	Audit    *audit.Recorder
	Vault    *vault.Vault
	Ingest   *ingest.Pipeline
	Presence *presence.Index
	Clock    clockpath.Clock
	Log      *zap.Logger

	queue       *dispatchQueue
	broadcaster *Broadcaster
	cancels     *cancelRegistry

	hostCtx    context.Context
	hostCancel context.CancelFunc
	done       chan struct{}
}

// NewRunner wires a Runner over its dependencies.
func NewRunner(s *store.Store, gate *writegate.Gate, rec *audit.Recorder, v *vault.Vault, ig *ingest.Pipeline, pr *presence.Index, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		Store: s, Gate: gate, Audit: rec, Vault: v, Ingest: ig, Presence: pr,
		Clock: s.Clock, Log: log,
		queue:       newDispatchQueue(),
		broadcaster: NewBroadcaster(log),
		cancels:     newCancelRegistry(log),
		hostCtx:     ctx, hostCancel: cancel,
		done: make(chan struct{}),
	}
}

// Subscribe returns a JobUpdates observer channel and its unsubscribe func.
func (r *Runner) Subscribe() (<-chan JobInfo, func()) {
	return r.broadcaster.Subscribe()
}

// Shutdown cancels the host token, stopping the loop after the
// in-flight job (if any) observes cancellation.
func (r *Runner) Shutdown() {
	r.hostCancel()
	r.queue.close()
}

// Start primes the dispatch queue with all Queued rows (ordered by
// createdAtUtc) and launches the single-reader loop, per spec §4.4
// "On first start it primes by selecting all Queued rows."
func (r *Runner) Start() error {
	rows, err := r.Store.DB.Query(`SELECT JobId FROM Jobs WHERE Status = ? ORDER BY CreatedAtUtc ASC`, string(store.JobStatusQueued))
	if err != nil {
		return fmt.Errorf("prime job queue: %w", err)
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

	for _, id := range ids {
		r.queue.push(id)
	}

	go r.loop()
	return nil
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		jobID, ok := r.queue.pop(r.hostCtx.Done())
		if !ok {
			return
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.Log.Error("job execution panicked, continuing dispatch loop", zap.Any("recover", rec), zap.String("jobId", jobID))
				}
			}()
			r.execute(jobID)
		}()
	}
}

// Enqueue validates jobType, deduplicates EvidenceVerify requests, and
// pushes the new job onto the dispatch queue, per spec §4.4.
func (r *Runner) Enqueue(ctx context.Context, operator string, jobType JobType, caseID, evidenceItemID *string, payload any) (jobID string, deduplicated bool, err error) {
	if !knownJobTypes[jobType] {
		return "", false, &caseerr.InvalidArgument{Field: "jobType", Reason: "unsupported job type"}
	}
	if jobType == JobTypeTestLongRunningDelay && !DebugBuild {
		return "", false, &caseerr.InvalidArgument{Field: "jobType", Reason: "TestLongRunningDelay is only valid in debug builds"}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, err
	}

	if jobType == JobTypeEvidenceVerify && caseID != nil && evidenceItemID != nil {
		existing, found, err := r.findDuplicateVerify(*caseID, *evidenceItemID)
		if err != nil {
			return "", false, err
		}
		if found {
			if r.Audit != nil {
				_ = r.Audit.RecordEvidence(operator, "JobEnqueueDeduplicated", *caseID, *evidenceItemID,
					fmt.Sprintf("Reused existing verify job %s.", existing), nil)
			}
			return existing, true, nil
		}
	}

	id := uuid.NewString()
	now := r.Clock.NowUTC()
	correlationID := uuid.NewString()

	err = r.Gate.DoRetry(ctx, r.Log, "EnqueueJob", r.Store.DBPath, func() error {
		_, err := r.Store.DB.Exec(
			`INSERT INTO Jobs (JobId, CreatedAtUtc, StartedAtUtc, CompletedAtUtc, Status, JobType, CaseId, EvidenceItemId,
				Progress, StatusMessage, ErrorMessage, JsonPayload, CorrelationId, Operator)
			 VALUES (?, ?, NULL, NULL, ?, ?, ?, ?, 0, '', NULL, ?, ?, ?)`,
			id, store.FormatTime(now), string(store.JobStatusQueued), string(jobType), caseID, evidenceItemID,
			string(payloadJSON), correlationID, operator,
		)
		return err
	})
	if err != nil {
		return "", false, err
	}

	if r.Audit != nil {
		_ = r.Audit.Record(operator, "JobQueued", caseID, evidenceItemID, fmt.Sprintf("Job %s (%s) queued.", id, jobType), nil)
	}

	info, err := r.loadJob(id)
	if err == nil {
		r.broadcaster.Publish(info)
	}

	r.queue.push(id)
	return id, false, nil
}

// Cancel targets a job per the state table in spec §4.4.
func (r *Runner) Cancel(operator, jobID string) error {
	info, err := r.loadJob(jobID)
	if err != nil {
		return err
	}

	switch info.Status {
	case store.JobStatusQueued:
		now := r.Clock.NowUTC()
		err := r.Gate.DoRetry(r.hostCtx, r.Log, "CancelQueuedJob", r.Store.DBPath, func() error {
			return r.updateTerminal(jobID, store.JobStatusCanceled, now, "Canceled", nil)
		})
		if err != nil {
			return err
		}
		if updated, err := r.loadJob(jobID); err == nil {
			r.broadcaster.Publish(updated)
		}
		if r.Audit != nil {
			_ = r.Audit.Record(operator, "JobCanceled", info.CaseID, info.EvidenceItemID, fmt.Sprintf("Job %s canceled while queued.", jobID), nil)
		}
		return nil
	case store.JobStatusRunning:
		effect := r.cancels.requestCancel(jobID)
		r.Log.Info("cancel requested for running job", zap.String("jobId", jobID), zap.Int("effect", int(effect)))
		return nil
	default:
		if info.Status.IsTerminal() {
			r.Log.Info("AlreadyTerminal", zap.String("jobId", jobID), zap.String("status", string(info.Status)))
			return nil
		}
		r.Log.Info("Ignored", zap.String("jobId", jobID), zap.String("status", string(info.Status)))
		return nil
	}
}

func (r *Runner) findDuplicateVerify(caseID, evidenceItemID string) (string, bool, error) {
	row := r.Store.DB.QueryRow(
		`SELECT JobId FROM Jobs WHERE JobType = ? AND CaseId = ? AND EvidenceItemId = ? AND Status IN (?, ?) ORDER BY CreatedAtUtc ASC LIMIT 1`,
		string(JobTypeEvidenceVerify), caseID, evidenceItemID, string(store.JobStatusQueued), string(store.JobStatusRunning),
	)
	var id string
	err := row.Scan(&id)
	if err == nil {
		return id, true, nil
	}
	return "", false, nil
}

func (r *Runner) loadJob(jobID string) (store.Job, error) {
	row := r.Store.DB.QueryRow(
		`SELECT JobId, CreatedAtUtc, StartedAtUtc, CompletedAtUtc, Status, JobType, CaseId, EvidenceItemId,
			Progress, StatusMessage, ErrorMessage, JsonPayload, CorrelationId, Operator
		 FROM Jobs WHERE JobId = ?`, jobID)
	var j store.Job
	var created string
	var started, completed *string
	var status, jobType string
	if err := row.Scan(&j.JobID, &created, &started, &completed, &status, &jobType, &j.CaseID, &j.EvidenceItemID,
		&j.Progress, &j.StatusMessage, &j.ErrorMessage, &j.JSONPayload, &j.CorrelationID, &j.Operator); err != nil {
		return store.Job{}, &caseerr.NotFound{Kind: "Job", ID: jobID}
	}
	t, err := store.ParseTime(created)
	if err != nil {
		return store.Job{}, err
	}
	j.CreatedAtUTC = t
	if started != nil {
		st, err := store.ParseTime(*started)
		if err != nil {
			return store.Job{}, err
		}
		j.StartedAtUTC = &st
	}
	if completed != nil {
		ct, err := store.ParseTime(*completed)
		if err != nil {
			return store.Job{}, err
		}
		j.CompletedAtUTC = &ct
	}
	j.Status = store.JobStatus(status)
	j.JobType = jobType
	return j, nil
}

func (r *Runner) updateTerminal(jobID string, status store.JobStatus, completedAt time.Time, statusMessage string, errorMessage *string) error {
	_, err := r.Store.DB.Exec(
		`UPDATE Jobs SET Status = ?, CompletedAtUtc = ?, Progress = 1.0, StatusMessage = ?, ErrorMessage = ? WHERE JobId = ?`,
		string(status), store.FormatTime(completedAt), statusMessage, errorMessage, jobID,
	)
	return err
}

func (r *Runner) updateRunningProgress(jobID string, progress float64, statusMessage string) error {
	_, err := r.Store.DB.Exec(`UPDATE Jobs SET Progress = ?, StatusMessage = ? WHERE JobId = ?`, progress, statusMessage, jobID)
	return err
}
