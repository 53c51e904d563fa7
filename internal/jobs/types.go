// Package jobs implements the durable Job Queue & Runner: a FIFO
// dispatch channel with single-reader execution, cooperative
// cancellation, progress-throttled persistence, and a broadcast
// channel of JobInfo updates for observers.
package jobs

import "github.com/casegraph/workspace/internal/store"

// JobType enumerates the supported job kinds. Unknown types are
// rejected at Enqueue, per the design notes' explicit-payload-struct
// replacement for reflection-heavy JSON.
type JobType string

// Known job types.
const (
	JobTypeEvidenceImport             JobType = "EvidenceImport"
	JobTypeEvidenceVerify             JobType = "EvidenceVerify"
	JobTypeMessagesIngest             JobType = "MessagesIngest"
	JobTypeTargetPresenceIndexRebuild JobType = "TargetPresenceIndexRebuild"
	JobTypeTestLongRunningDelay       JobType = "TestLongRunningDelay"
)

// payloadSchemaVersion is the schema version the payload structs in
// this build describe. The runner does not check a payload's
// schemaVersion field when it decodes the payload.
const payloadSchemaVersion = 1

// EvidenceImportPayload is the jsonPayload body for JobTypeEvidenceImport.
type EvidenceImportPayload struct {
	SchemaVersion int      `json:"schemaVersion"`
	CaseID        string   `json:"caseId"`
	Files         []string `json:"files"`
}

// EvidenceVerifyPayload is the jsonPayload body for JobTypeEvidenceVerify.
type EvidenceVerifyPayload struct {
	SchemaVersion  int    `json:"schemaVersion"`
	CaseID         string `json:"caseId"`
	EvidenceItemID string `json:"evidenceItemId"`
}

// MessagesIngestPayload is the jsonPayload body for JobTypeMessagesIngest.
type MessagesIngestPayload struct {
	SchemaVersion  int    `json:"schemaVersion"`
	CaseID         string `json:"caseId"`
	EvidenceItemID string `json:"evidenceItemId"`
}

// TargetPresenceIndexRebuildPayload is the jsonPayload body for
// JobTypeTargetPresenceIndexRebuild.
type TargetPresenceIndexRebuildPayload struct {
	SchemaVersion int    `json:"schemaVersion"`
	CaseID        string `json:"caseId"`
}

// TestLongRunningDelayPayload is the jsonPayload body for
// JobTypeTestLongRunningDelay, valid only in debug builds.
type TestLongRunningDelayPayload struct {
	SchemaVersion int `json:"schemaVersion"`
	DelayMs       int `json:"delayMs"`
}

// JobInfo is the observable snapshot published on JobUpdates.
type JobInfo = store.Job

// knownJobTypes backs Enqueue's "reject unsupported jobType" rule.
var knownJobTypes = map[JobType]bool{
	JobTypeEvidenceImport:             true,
	JobTypeEvidenceVerify:             true,
	JobTypeMessagesIngest:             true,
	JobTypeTargetPresenceIndexRebuild: true,
	JobTypeTestLongRunningDelay:       true,
}
