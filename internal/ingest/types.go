// Package ingest implements the Message Ingest Pipeline: parser
// selection by evidence extension, structured extraction of messages
// from spreadsheet and archive exports, and idempotent
// delete-then-insert persistence of threads/events/participants.
package ingest

import (
	"time"

	"github.com/casegraph/workspace/internal/store"
)

// ParsedMessage is the parser-agnostic intermediate form every input
// format normalizes into before persistence, per spec §4.5.
type ParsedMessage struct {
	Platform      store.Platform
	ThreadKey     string
	ThreadTitle   *string
	TimestampUTC  *time.Time
	Direction     store.MessageDirection
	Sender        string
	Recipients    string
	Body          string
	IsDeleted     bool
	SourceLocator string
}

// Result is returned from Pipeline.Run to the Job Runner.
type Result struct {
	MessagesExtracted int
	ThreadsCreated    int
	SummaryOverride   string
	PlatformCounts    map[string]int
}

// ProgressFunc reports ingest progress as a fraction in [0,1] plus a
// human-readable status message.
type ProgressFunc func(fraction float64, message string)

const ingestModuleVersion = "1.0"
