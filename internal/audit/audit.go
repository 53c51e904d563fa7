// Package audit centralizes the append-only audit trail so every
// service writes lifecycle events the same way: same id generation,
// same timestamp source, same JSON payload convention.
package audit

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/casegraph/workspace/internal/clockpath"
	"github.com/casegraph/workspace/internal/store"
)

// Writer is the subset of *store.Store the Recorder needs, so tests can
// substitute an in-memory fake.
type Writer interface {
	InsertAudit(ev store.AuditEvent) error
}

// Recorder appends AuditEvents with a consistent id/timestamp/payload
// convention, per spec §3's "Append-only" requirement.
type Recorder struct {
	writer Writer
	clock  clockpath.Clock
}

// New builds a Recorder over a writer and clock.
func New(writer Writer, clock clockpath.Clock) *Recorder {
	if clock == nil {
		clock = clockpath.SystemClock{}
	}
	return &Recorder{writer: writer, clock: clock}
}

// Record appends one audit event. payload is marshaled to JSON; pass
// nil for an empty `{}` payload.
func (r *Recorder) Record(operator, actionType string, caseID, evidenceItemID *string, summary string, payload any) error {
	jsonPayload := "{}"
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		jsonPayload = string(data)
	}
	return r.writer.InsertAudit(store.AuditEvent{
		AuditEventID:   uuid.NewString(),
		TimestampUTC:   r.clock.NowUTC(),
		Operator:       operator,
		ActionType:     actionType,
		CaseID:         caseID,
		EvidenceItemID: evidenceItemID,
		Summary:        summary,
		JSONPayload:    jsonPayload,
	})
}

// RecordCase is a convenience wrapper for case-scoped events with no
// evidence item.
func (r *Recorder) RecordCase(operator, actionType, caseID, summary string, payload any) error {
	return r.Record(operator, actionType, &caseID, nil, summary, payload)
}

// RecordEvidence is a convenience wrapper for evidence-scoped events.
func (r *Recorder) RecordEvidence(operator, actionType, caseID, evidenceItemID, summary string, payload any) error {
	return r.Record(operator, actionType, &caseID, &evidenceItemID, summary, payload)
}
