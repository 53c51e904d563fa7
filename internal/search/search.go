package search

import (
	"context"
	"database/sql"
	"strings"

	"github.com/casegraph/workspace/internal/store"
)

// Service executes message-event search against a case's Workspace
// Store, per spec §4.8.
type Service struct {
	Store *store.Store
}

// New builds a Service bound to an open Store.
func New(s *store.Store) *Service {
	return &Service{Store: s}
}

// Search executes a prepared request. Empty requests short-circuit to
// an empty result. A keyword is attempted against the FTS5 index
// first; any query error (malformed MATCH syntax, a corrupt index)
// falls back to the LIKE path. A request with no keyword skips
// straight to the keywordless structured-filter path.
func (svc *Service) Search(ctx context.Context, req Request) (Result, error) {
	req = PrepareRequest(req)
	if isEmpty(req) {
		return Result{}, nil
	}

	if req.Query == "" {
		hits, err := svc.queryKeywordless(ctx, req)
		if err != nil {
			return Result{}, err
		}
		return page(hits, req), nil
	}

	hits, err := svc.queryFTS(ctx, req)
	if err == nil {
		return page(hits, req), nil
	}

	hits, err = svc.queryLike(ctx, req)
	if err != nil {
		return Result{}, err
	}
	r := page(hits, req)
	r.UsedFallback = true
	return r, nil
}

func page(hits []Hit, req Request) Result {
	if req.Skip >= len(hits) {
		return Result{Hits: []Hit{}}
	}
	end := req.Skip + req.Take
	if end > len(hits) {
		end = len(hits)
	}
	return Result{Hits: hits[req.Skip:end]}
}

type structuredFilters struct {
	where []string
	args  []interface{}
}

// buildStructuredFilters appends the non-keyword predicates shared by
// all three search paths: platform, sender/recipient substrings, date
// range, direction, and the optional target/identifier-type EXISTS
// subquery, per spec §4.8.
func buildStructuredFilters(req Request) structuredFilters {
	f := structuredFilters{}
	f.where = append(f.where, "e.CaseId = ?")
	f.args = append(f.args, req.CaseID)

	if req.Platform != "" {
		f.where = append(f.where, "LOWER(e.Platform) = ?")
		f.args = append(f.args, req.Platform)
	}
	if req.SenderSubstring != "" {
		f.where = append(f.where, "LOWER(e.Sender) LIKE ?")
		f.args = append(f.args, "%"+req.SenderSubstring+"%")
	}
	if req.RecipientSubstring != "" {
		f.where = append(f.where, "LOWER(e.Recipients) LIKE ?")
		f.args = append(f.args, "%"+req.RecipientSubstring+"%")
	}
	if req.DateFrom != nil {
		f.where = append(f.where, "e.TimestampUtc >= ?")
		f.args = append(f.args, store.FormatTime(*req.DateFrom))
	}
	if req.DateTo != nil {
		f.where = append(f.where, "e.TimestampUtc <= ?")
		f.args = append(f.args, store.FormatTime(*req.DateTo))
	}
	if req.DirectionFilter != nil {
		f.where = append(f.where, "e.Direction = ?")
		f.args = append(f.args, string(*req.DirectionFilter))
	}
	if req.TargetID != nil {
		sub := `EXISTS (
			SELECT 1 FROM MessageParticipantLinks mpl
			JOIN Identifiers i ON i.IdentifierId = mpl.IdentifierId
			WHERE mpl.MessageEventId = e.MessageEventId AND mpl.TargetId = ?`
		args := []interface{}{*req.TargetID}
		if req.IdentifierType != nil {
			sub += " AND i.Type = ?"
			args = append(args, string(*req.IdentifierType))
		}
		sub += ")"
		f.where = append(f.where, sub)
		f.args = append(f.args, args...)
	}
	return f
}

const baseSelect = `e.MessageEventId, e.ThreadId, e.CaseId, e.EvidenceItemId, e.Platform,
	e.TimestampUtc, e.Direction, e.Sender, e.Recipients, e.SourceLocator`

func (svc *Service) queryFTS(ctx context.Context, req Request) ([]Hit, error) {
	f := buildStructuredFilters(req)
	where := strings.Join(f.where, " AND ")

	query := `SELECT ` + baseSelect + `, snippet(MessageEventFts, 5, '[', ']', '...', 14) AS Snippet
		FROM MessageEventFts
		JOIN MessageEventRecord e ON e.MessageEventId = MessageEventFts.MessageEventId
		JOIN MessageThreads th ON th.ThreadId = e.ThreadId
		JOIN EvidenceItems ev ON ev.EvidenceItemId = e.EvidenceItemId
		WHERE MessageEventFts MATCH ? AND ` + where + `
		ORDER BY bm25(MessageEventFts) ASC, e.TimestampUtc DESC
		LIMIT ?`

	args := append([]interface{}{req.Query}, f.args...)
	args = append(args, maxRows(req))

	rows, err := svc.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows)
}

func (svc *Service) queryLike(ctx context.Context, req Request) ([]Hit, error) {
	f := buildStructuredFilters(req)
	where := strings.Join(f.where, " AND ")
	needle := "%" + strings.ToLower(req.Query) + "%"

	query := `SELECT ` + baseSelect + `, e.Body
		FROM MessageEventRecord e
		JOIN MessageThreads th ON th.ThreadId = e.ThreadId
		JOIN EvidenceItems ev ON ev.EvidenceItemId = e.EvidenceItemId
		WHERE (LOWER(e.Body) LIKE ? OR LOWER(e.Sender) LIKE ? OR LOWER(e.Recipients) LIKE ?) AND ` + where + `
		ORDER BY e.TimestampUtc DESC
		LIMIT ?`

	args := append([]interface{}{needle, needle, needle}, f.args...)
	args = append(args, maxRows(req))

	rows, err := svc.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHitsWithBody(rows)
}

func (svc *Service) queryKeywordless(ctx context.Context, req Request) ([]Hit, error) {
	f := buildStructuredFilters(req)
	where := strings.Join(f.where, " AND ")

	query := `SELECT ` + baseSelect + `, e.Body
		FROM MessageEventRecord e
		JOIN MessageThreads th ON th.ThreadId = e.ThreadId
		JOIN EvidenceItems ev ON ev.EvidenceItemId = e.EvidenceItemId
		WHERE ` + where + `
		ORDER BY e.TimestampUtc DESC
		LIMIT ?`

	args := append(f.args, maxRows(req))

	rows, err := svc.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHitsWithBody(rows)
}

func scanHits(rows *sql.Rows) ([]Hit, error) {
	var out []Hit
	for rows.Next() {
		var h Hit
		var platform, direction, timestamp sql.NullString
		if err := rows.Scan(&h.MessageEventID, &h.ThreadID, &h.CaseID, &h.EvidenceItemID, &platform,
			&timestamp, &direction, &h.Sender, &h.Recipients, &h.SourceLocator, &h.Snippet); err != nil {
			return nil, err
		}
		if err := hydrate(&h, platform, direction, timestamp); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHitsWithBody(rows *sql.Rows) ([]Hit, error) {
	var out []Hit
	for rows.Next() {
		var h Hit
		var platform, direction, timestamp sql.NullString
		var body *string
		if err := rows.Scan(&h.MessageEventID, &h.ThreadID, &h.CaseID, &h.EvidenceItemID, &platform,
			&timestamp, &direction, &h.Sender, &h.Recipients, &h.SourceLocator, &body); err != nil {
			return nil, err
		}
		if err := hydrate(&h, platform, direction, timestamp); err != nil {
			return nil, err
		}
		h.Snippet = truncateSnippet(body)
		out = append(out, h)
	}
	return out, rows.Err()
}

func hydrate(h *Hit, platform, direction, timestamp sql.NullString) error {
	h.Platform = store.Platform(platform.String)
	h.Direction = store.MessageDirection(direction.String)
	if timestamp.Valid && timestamp.String != "" {
		t, err := store.ParseTime(timestamp.String)
		if err != nil {
			return err
		}
		h.TimestampUTC = &t
	}
	return nil
}

// truncateSnippet produces the LIKE-path snippet, per spec §4.8's
// 280-character truncated fallback (the FTS path uses snippet()).
func truncateSnippet(body *string) string {
	if body == nil {
		return ""
	}
	s := *body
	if len(s) <= 280 {
		return s
	}
	return s[:280] + "..."
}
