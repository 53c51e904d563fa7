// Package queryservices implements the paged, order-by-text listing
// endpoints over cases, evidence, jobs, and audit events, per spec §2's
// Query Services row. These are read-only and never touch the Write
// Gate.
package queryservices

import (
	"context"

	"github.com/casegraph/workspace/internal/store"
)

// Page is a normalized paging request.
type Page struct {
	Skip int
	Take int
}

const (
	takeMin = 1
	takeMax = 200
)

// PreparePage clamps Skip/Take the same way spec §4.8's search paging
// does, so every listing endpoint in the workspace pages consistently.
func PreparePage(p Page) Page {
	if p.Take < takeMin {
		p.Take = takeMin
	} else if p.Take > takeMax {
		p.Take = takeMax
	}
	if p.Skip < 0 {
		p.Skip = 0
	}
	return p
}

// Service answers paged listing queries against an open Store.
type Service struct {
	Store *store.Store
}

// New builds a Service bound to an open Store.
func New(s *store.Store) *Service {
	return &Service{Store: s}
}

// CaseOrder selects the sort column for ListCases.
type CaseOrder string

// Known case orderings.
const (
	CaseOrderNameAsc        CaseOrder = "NameAsc"
	CaseOrderCreatedDesc    CaseOrder = "CreatedDesc"
	CaseOrderLastOpenedDesc CaseOrder = "LastOpenedDesc"
)

func (o CaseOrder) clause() string {
	switch o {
	case CaseOrderNameAsc:
		return "ORDER BY Name COLLATE NOCASE ASC"
	case CaseOrderLastOpenedDesc:
		return "ORDER BY LastOpenedAtUtc DESC"
	default:
		return "ORDER BY CreatedAtUtc DESC"
	}
}

// ListCases pages through every case in the workspace.
func (svc *Service) ListCases(ctx context.Context, order CaseOrder, page Page) ([]store.Case, error) {
	page = PreparePage(page)
	rows, err := svc.Store.DB.QueryContext(ctx,
		`SELECT CaseId, Name, CreatedAtUtc, LastOpenedAtUtc FROM Cases `+order.clause()+` LIMIT ? OFFSET ?`,
		page.Take, page.Skip,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Case
	for rows.Next() {
		var c store.Case
		var created string
		var lastOpened *string
		if err := rows.Scan(&c.CaseID, &c.Name, &created, &lastOpened); err != nil {
			return nil, err
		}
		t, err := store.ParseTime(created)
		if err != nil {
			return nil, err
		}
		c.CreatedAtUTC = t
		if lastOpened != nil {
			lt, err := store.ParseTime(*lastOpened)
			if err != nil {
				return nil, err
			}
			c.LastOpenedAtUTC = &lt
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EvidenceOrder selects the sort column for ListEvidence.
type EvidenceOrder string

// Known evidence orderings.
const (
	EvidenceOrderAddedAsc EvidenceOrder = "AddedAsc"
	EvidenceOrderNameAsc  EvidenceOrder = "NameAsc"
	EvidenceOrderSizeDesc EvidenceOrder = "SizeDesc"
)

func (o EvidenceOrder) clause() string {
	switch o {
	case EvidenceOrderNameAsc:
		return "ORDER BY DisplayName COLLATE NOCASE ASC"
	case EvidenceOrderSizeDesc:
		return "ORDER BY SizeBytes DESC"
	default:
		return "ORDER BY AddedAtUtc ASC"
	}
}

// ListEvidence pages through one case's evidence items.
func (svc *Service) ListEvidence(ctx context.Context, caseID string, order EvidenceOrder, page Page) ([]store.EvidenceItem, error) {
	page = PreparePage(page)
	rows, err := svc.Store.DB.QueryContext(ctx,
		`SELECT EvidenceItemId, CaseId, DisplayName, OriginalPath, OriginalFileName, AddedAtUtc,
			SizeBytes, Sha256Hex, FileExtension, SourceType, ManifestRelativePath, StoredRelativePath
		 FROM EvidenceItems WHERE CaseId = ? `+order.clause()+` LIMIT ? OFFSET ?`,
		caseID, page.Take, page.Skip,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.EvidenceItem
	for rows.Next() {
		var e store.EvidenceItem
		var added, sourceType string
		if err := rows.Scan(&e.EvidenceItemID, &e.CaseID, &e.DisplayName, &e.OriginalPath, &e.OriginalFileName,
			&added, &e.SizeBytes, &e.Sha256Hex, &e.FileExtension, &sourceType, &e.ManifestRelativePath, &e.StoredRelativePath); err != nil {
			return nil, err
		}
		t, err := store.ParseTime(added)
		if err != nil {
			return nil, err
		}
		e.AddedAtUTC = t
		e.SourceType = store.SourceType(sourceType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// JobFilter restricts ListJobs to a case, an evidence item, and/or a
// status.
type JobFilter struct {
	CaseID         *string
	EvidenceItemID *string
	Status         *store.JobStatus
}

// ListJobs pages through jobs newest-first, optionally filtered.
func (svc *Service) ListJobs(ctx context.Context, filter JobFilter, page Page) ([]store.Job, error) {
	page = PreparePage(page)
	where := "1=1"
	var args []interface{}
	if filter.CaseID != nil {
		where += " AND CaseId = ?"
		args = append(args, *filter.CaseID)
	}
	if filter.EvidenceItemID != nil {
		where += " AND EvidenceItemId = ?"
		args = append(args, *filter.EvidenceItemID)
	}
	if filter.Status != nil {
		where += " AND Status = ?"
		args = append(args, string(*filter.Status))
	}
	args = append(args, page.Take, page.Skip)

	rows, err := svc.Store.DB.QueryContext(ctx,
		`SELECT JobId, CreatedAtUtc, StartedAtUtc, CompletedAtUtc, Status, JobType, CaseId, EvidenceItemId,
			Progress, StatusMessage, ErrorMessage, JsonPayload, CorrelationId, Operator
		 FROM Jobs WHERE `+where+` ORDER BY CreatedAtUtc DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Job
	for rows.Next() {
		var j store.Job
		var created string
		var started, completed *string
		var status string
		if err := rows.Scan(&j.JobID, &created, &started, &completed, &status, &j.JobType, &j.CaseID, &j.EvidenceItemID,
			&j.Progress, &j.StatusMessage, &j.ErrorMessage, &j.JSONPayload, &j.CorrelationID, &j.Operator); err != nil {
			return nil, err
		}
		t, err := store.ParseTime(created)
		if err != nil {
			return nil, err
		}
		j.CreatedAtUTC = t
		j.Status = store.JobStatus(status)
		if started != nil {
			st, err := store.ParseTime(*started)
			if err != nil {
				return nil, err
			}
			j.StartedAtUTC = &st
		}
		if completed != nil {
			ct, err := store.ParseTime(*completed)
			if err != nil {
				return nil, err
			}
			j.CompletedAtUTC = &ct
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AuditFilter restricts ListAuditEvents to a case and/or a text search
// over Summary/ActionType.
type AuditFilter struct {
	CaseID         *string
	ActionTypeText string
}

// ListAuditEvents pages through audit events newest-first.
func (svc *Service) ListAuditEvents(ctx context.Context, filter AuditFilter, page Page) ([]store.AuditEvent, error) {
	page = PreparePage(page)
	where := "1=1"
	var args []interface{}
	if filter.CaseID != nil {
		where += " AND CaseId = ?"
		args = append(args, *filter.CaseID)
	}
	if filter.ActionTypeText != "" {
		where += " AND (LOWER(ActionType) LIKE ? OR LOWER(Summary) LIKE ?)"
		needle := "%" + toLower(filter.ActionTypeText) + "%"
		args = append(args, needle, needle)
	}
	args = append(args, page.Take, page.Skip)

	rows, err := svc.Store.DB.QueryContext(ctx,
		`SELECT AuditEventId, TimestampUtc, Operator, ActionType, CaseId, EvidenceItemId, Summary, JsonPayload
		 FROM AuditEvents WHERE `+where+` ORDER BY TimestampUtc DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AuditEvent
	for rows.Next() {
		var a store.AuditEvent
		var ts string
		if err := rows.Scan(&a.AuditEventID, &ts, &a.Operator, &a.ActionType, &a.CaseID, &a.EvidenceItemID, &a.Summary, &a.JSONPayload); err != nil {
			return nil, err
		}
		t, err := store.ParseTime(ts)
		if err != nil {
			return nil, err
		}
		a.TimestampUTC = t
		out = append(out, a)
	}
	return out, rows.Err()
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
