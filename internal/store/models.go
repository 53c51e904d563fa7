// Package store implements the Workspace Store: schema definition,
// initialization/repair over an embedded SQLite database, and the
// derived full-text-search structures that mirror message writes.
//
// Following the teacher's internal/store package, persistence is
// hand-written SQL against typed row structs rather than an ORM, per
// the design notes: table and column names are kept stable because
// manifest.json and the FTS triggers depend on them.
package store

import "time"

// Case is the root of a case subtree.
type Case struct {
	CaseID          string
	Name            string
	CreatedAtUTC    time.Time
	LastOpenedAtUTC *time.Time
}

// SourceType classifies the kind of file an EvidenceItem was imported from.
type SourceType string

// Known evidence source types.
const (
	SourceTypeUFDR  SourceType = "UFDR"
	SourceTypeZIP   SourceType = "ZIP"
	SourceTypeXLSX  SourceType = "XLSX"
	SourceTypePlist SourceType = "PLIST"
	SourceTypeOther SourceType = "OTHER"
)

// EvidenceItem is a content-addressed artifact imported into a case.
type EvidenceItem struct {
	EvidenceItemID       string
	CaseID               string
	DisplayName          string
	OriginalPath         string
	OriginalFileName     string
	AddedAtUTC           time.Time
	SizeBytes            int64
	Sha256Hex            string
	FileExtension        string
	SourceType           SourceType
	ManifestRelativePath string
	StoredRelativePath   string
}

// AuditEvent is an append-only record of a lifecycle action.
type AuditEvent struct {
	AuditEventID   string
	TimestampUTC   time.Time
	Operator       string
	ActionType     string
	CaseID         *string
	EvidenceItemID *string
	Summary        string
	JSONPayload    string
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

// Known job statuses, per the Job Queue & Runner state machine.
const (
	JobStatusQueued    JobStatus = "Queued"
	JobStatusRunning   JobStatus = "Running"
	JobStatusSucceeded JobStatus = "Succeeded"
	JobStatusFailed    JobStatus = "Failed"
	JobStatusCanceled  JobStatus = "Canceled"
	JobStatusAbandoned JobStatus = "Abandoned"
)

// IsTerminal reports whether a job status can never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusAbandoned:
		return true
	default:
		return false
	}
}

// Job is a durable unit of background work.
type Job struct {
	JobID          string
	CreatedAtUTC   time.Time
	StartedAtUTC   *time.Time
	CompletedAtUTC *time.Time
	Status         JobStatus
	JobType        string
	CaseID         *string
	EvidenceItemID *string
	Progress       float64
	StatusMessage  string
	ErrorMessage   *string
	JSONPayload    string
	CorrelationID  string
	Operator       string
}

// Platform identifies a messaging source.
type Platform string

// Known platforms.
const (
	PlatformSMS       Platform = "SMS"
	PlatformIMessage  Platform = "iMessage"
	PlatformWhatsApp  Platform = "WhatsApp"
	PlatformSignal    Platform = "Signal"
	PlatformInstagram Platform = "Instagram"
	PlatformOther     Platform = "OTHER"
)

// MessageThread groups events sharing a deterministic thread key.
type MessageThread struct {
	ThreadID            string
	CaseID              string
	EvidenceItemID      string
	Platform            Platform
	ThreadKey           string
	Title               *string
	CreatedAtUTC        time.Time
	SourceLocator       string
	IngestModuleVersion string
}

// MessageDirection is the flow direction of a MessageEvent.
type MessageDirection string

// Known directions.
const (
	DirectionIncoming MessageDirection = "Incoming"
	DirectionOutgoing MessageDirection = "Outgoing"
	DirectionUnknown  MessageDirection = "Unknown"
)

// MessageEvent is a single parsed message.
type MessageEvent struct {
	MessageEventID      string
	ThreadID            string
	CaseID              string
	EvidenceItemID      string
	Platform            Platform
	TimestampUTC        *time.Time
	Direction           MessageDirection
	Sender              *string
	Recipients          *string
	Body                *string
	IsDeleted           bool
	SourceLocator       string
	IngestModuleVersion string
}

// ParticipantKind classifies a MessageParticipant value.
type ParticipantKind string

// Known participant kinds.
const (
	ParticipantKindEmail  ParticipantKind = "email"
	ParticipantKindPhone  ParticipantKind = "phone"
	ParticipantKindHandle ParticipantKind = "handle"
)

// MessageParticipant is a contact token seen within a thread.
type MessageParticipant struct {
	ParticipantID       string
	ThreadID            string
	Value               string
	Kind                ParticipantKind
	SourceLocator       string
	IngestModuleVersion string
}

// Target is an investigative subject within a case.
type Target struct {
	TargetID            string
	CaseID              string
	DisplayName         string
	PrimaryAlias        *string
	Notes               *string
	CreatedAtUTC        time.Time
	UpdatedAtUTC        time.Time
	SourceType          string
	SourceLocator       string
	IngestModuleVersion string
	GlobalEntityID      *string
}

// TargetAlias is an alternate name for a Target.
type TargetAlias struct {
	AliasID         string
	TargetID        string
	CaseID          string
	Alias           string
	AliasNormalized string
}

// IdentifierType classifies an Identifier.
type IdentifierType string

// Known identifier types.
const (
	IdentifierTypePhone        IdentifierType = "Phone"
	IdentifierTypeEmail        IdentifierType = "Email"
	IdentifierTypeSocialHandle IdentifierType = "SocialHandle"
	IdentifierTypeOther        IdentifierType = "Other"
)

// Identifier is a normalized contact token owned by a case.
type Identifier struct {
	IdentifierID        string
	CaseID              string
	Type                IdentifierType
	ValueRaw            string
	ValueNormalized     string
	Notes               *string
	SourceType          string
	SourceLocator       string
	IngestModuleVersion string
}

// TargetIdentifierLink links a Target to an Identifier.
type TargetIdentifierLink struct {
	LinkID              string
	CaseID              string
	TargetID            string
	IdentifierID        string
	IsPrimary           bool
	SourceType          string
	SourceLocator       string
	IngestModuleVersion string
}

// ParticipantRole is the role a participant played in a message.
type ParticipantRole string

// Known roles.
const (
	RoleSender    ParticipantRole = "Sender"
	RoleRecipient ParticipantRole = "Recipient"
)

// MessageParticipantLink links a message event's raw participant text
// to a resolved Identifier and, optionally, a Target.
type MessageParticipantLink struct {
	ParticipantLinkID string
	CaseID            string
	MessageEventID    string
	Role              ParticipantRole
	ParticipantRaw    string
	IdentifierID      string
	TargetID          *string
}

// GlobalPerson is a cross-case canonical identity.
type GlobalPerson struct {
	GlobalPersonID string
	DisplayName    string
	CreatedAtUTC   time.Time
	UpdatedAtUTC   time.Time
	Notes          *string
}

// PersonAlias is an alternate name for a GlobalPerson.
type PersonAlias struct {
	PersonAliasID   string
	GlobalPersonID  string
	Alias           string
	AliasNormalized string
}

// PersonIdentifier links a normalized identifier to a GlobalPerson,
// unique across all cases.
type PersonIdentifier struct {
	PersonIdentifierID string
	GlobalPersonID     string
	Type               IdentifierType
	ValueRaw           string
	ValueNormalized    string
	IsPrimary          bool
}

// TargetMessagePresence is a derived row proving an identifier appears
// as sender or recipient of a message, tied to a target. It is never
// authoritative and must be fully reconstructible from source tables.
type TargetMessagePresence struct {
	PresenceID          string
	CaseID              string
	TargetID            string
	MessageEventID      string
	MatchedIdentifierID string
	Role                ParticipantRole
	EvidenceItemID      string
	SourceLocator       string
	MessageTimestampUTC *time.Time
	FirstSeenUTC        time.Time
	LastSeenUTC         time.Time
}
