// Package search implements keyword and structured search over
// message events, plus target presence summaries, per spec §4.8.
package search

import (
	"time"

	"github.com/casegraph/workspace/internal/store"
)

// Request is a raw search request before PrepareRequest normalizes it.
type Request struct {
	CaseID             string
	Query              string
	Platform           string
	SenderSubstring    string
	RecipientSubstring string
	DateFrom           *time.Time
	DateTo             *time.Time
	DirectionFilter    *store.MessageDirection
	TargetID           *string
	IdentifierType     *store.IdentifierType
	Take               int
	Skip               int
}

// takeMin/takeMax clamp Take in PrepareRequest; maxRowsBase and
// maxRowsMin/maxRowsMax feed the scan bound computed by maxRows.
const (
	takeMin     = 1
	takeMax     = 200
	maxRowsBase = 500
	maxRowsMin  = 50
	maxRowsMax  = 2000
)

// PrepareRequest clamps paging and normalizes filters, per spec §4.8's
// PrepareRequest rule. The internal scan bound is computed separately
// by maxRows.
func PrepareRequest(req Request) Request {
	out := req

	if out.Take < takeMin {
		out.Take = takeMin
	} else if out.Take > takeMax {
		out.Take = takeMax
	}
	if out.Skip < 0 {
		out.Skip = 0
	}

	if out.Platform == "" || out.Platform == "All" {
		out.Platform = ""
	} else {
		out.Platform = lower(out.Platform)
	}
	out.SenderSubstring = lower(out.SenderSubstring)
	out.RecipientSubstring = lower(out.RecipientSubstring)

	if out.DateFrom != nil && out.DateTo != nil && out.DateFrom.After(*out.DateTo) {
		out.DateFrom, out.DateTo = out.DateTo, out.DateFrom
	}

	return out
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func maxRows(req Request) int {
	n := req.Take + req.Skip + maxRowsBase
	if n < maxRowsMin {
		return maxRowsMin
	}
	if n > maxRowsMax {
		return maxRowsMax
	}
	return n
}

// isEmpty reports whether a request has neither a keyword nor any
// structured filter, per §4.8's "return empty" short-circuit.
func isEmpty(req Request) bool {
	return req.Query == "" && req.Platform == "" && req.SenderSubstring == "" &&
		req.RecipientSubstring == "" && req.DateFrom == nil && req.DateTo == nil &&
		req.DirectionFilter == nil && req.TargetID == nil && req.IdentifierType == nil
}

// Hit is one matched message event.
type Hit struct {
	MessageEventID string
	ThreadID       string
	CaseID         string
	EvidenceItemID string
	Platform       store.Platform
	TimestampUTC   *time.Time
	Direction      store.MessageDirection
	Sender         *string
	Recipients     *string
	SourceLocator  string
	Snippet        string
}

// Result is a paged search response.
type Result struct {
	Hits         []Hit
	UsedFallback bool
}
