package search

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casegraph/workspace/internal/store"
)

// --- PrepareRequest ---

func TestPrepareRequestClampsTakeAndSkip(t *testing.T) {
	req := PrepareRequest(Request{Take: 0, Skip: -5})
	require.Equal(t, takeMin, req.Take)
	require.Equal(t, 0, req.Skip)

	req = PrepareRequest(Request{Take: 9999, Skip: 10})
	require.Equal(t, takeMax, req.Take)
	require.Equal(t, 10, req.Skip)
}

func TestPrepareRequestNormalizesPlatformAllAndEmptyToEmpty(t *testing.T) {
	req := PrepareRequest(Request{Platform: "All"})
	require.Equal(t, "", req.Platform)

	req = PrepareRequest(Request{Platform: ""})
	require.Equal(t, "", req.Platform)

	req = PrepareRequest(Request{Platform: "WhatsApp"})
	require.Equal(t, "whatsapp", req.Platform)
}

func TestPrepareRequestLowercasesSubstringFilters(t *testing.T) {
	req := PrepareRequest(Request{SenderSubstring: "Jane", RecipientSubstring: "DOE"})
	require.Equal(t, "jane", req.SenderSubstring)
	require.Equal(t, "doe", req.RecipientSubstring)
}

func TestPrepareRequestSwapsReversedDateRange(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	req := PrepareRequest(Request{DateFrom: &late, DateTo: &early})
	require.True(t, req.DateFrom.Equal(early))
	require.True(t, req.DateTo.Equal(late))
}

func TestPrepareRequestLeavesInOrderDateRangeAlone(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	req := PrepareRequest(Request{DateFrom: &early, DateTo: &late})
	require.True(t, req.DateFrom.Equal(early))
	require.True(t, req.DateTo.Equal(late))
}

// --- maxRows ---

func TestMaxRowsClampedToFloorAndCeiling(t *testing.T) {
	require.Equal(t, maxRowsMax, maxRows(Request{Take: 200, Skip: 5000}))
	require.GreaterOrEqual(t, maxRows(Request{Take: 1, Skip: 0}), maxRowsMin)
}

// --- isEmpty ---

func TestIsEmptyTrueWithNoFilters(t *testing.T) {
	require.True(t, isEmpty(Request{}))
}

func TestIsEmptyFalseWithQuery(t *testing.T) {
	require.False(t, isEmpty(Request{Query: "hello"}))
}

func TestIsEmptyFalseWithOnlyStructuredFilter(t *testing.T) {
	targetID := "t1"
	require.False(t, isEmpty(Request{TargetID: &targetID}))
}

// --- buildStructuredFilters ---

func TestBuildStructuredFiltersIncludesCaseIDAlways(t *testing.T) {
	f := buildStructuredFilters(Request{CaseID: "case-1"})
	require.Contains(t, f.where, "e.CaseId = ?")
	require.Equal(t, []interface{}{"case-1"}, f.args)
}

func TestBuildStructuredFiltersAddsTargetExistsSubquery(t *testing.T) {
	targetID := "t1"
	idType := store.IdentifierTypePhone
	f := buildStructuredFilters(Request{CaseID: "case-1", TargetID: &targetID, IdentifierType: &idType})

	joined := strings.Join(f.where, " ")
	require.Contains(t, joined, "EXISTS")
	require.Contains(t, joined, "mpl.TargetId = ?")
	require.Contains(t, joined, "i.Type = ?")
	require.Contains(t, f.args, "t1")
	require.Contains(t, f.args, string(store.IdentifierTypePhone))
}

// --- page ---

func TestPageSlicesWithinBounds(t *testing.T) {
	hits := make([]Hit, 10)
	for i := range hits {
		hits[i] = Hit{MessageEventID: string(rune('a' + i))}
	}
	result := page(hits, Request{Skip: 2, Take: 3})
	require.Len(t, result.Hits, 3)
	require.Equal(t, hits[2:5], result.Hits)
}

func TestPageSkipBeyondLengthReturnsEmpty(t *testing.T) {
	hits := make([]Hit, 3)
	result := page(hits, Request{Skip: 10, Take: 5})
	require.Empty(t, result.Hits)
}

func TestPageTakeClampedToRemaining(t *testing.T) {
	hits := make([]Hit, 3)
	result := page(hits, Request{Skip: 1, Take: 10})
	require.Len(t, result.Hits, 2)
}

// --- truncateSnippet ---

func TestTruncateSnippetNilReturnsEmpty(t *testing.T) {
	require.Equal(t, "", truncateSnippet(nil))
}

func TestTruncateSnippetShortBodyUnchanged(t *testing.T) {
	body := "hello world"
	require.Equal(t, "hello world", truncateSnippet(&body))
}

func TestTruncateSnippetLongBodyTruncatedWithEllipsis(t *testing.T) {
	body := strings.Repeat("x", 300)
	got := truncateSnippet(&body)
	require.Len(t, got, 283) // 280 chars + "..."
	require.True(t, strings.HasSuffix(got, "..."))
}
