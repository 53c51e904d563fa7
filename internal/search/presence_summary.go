package search

import (
	"context"
	"strings"
	"time"

	"github.com/casegraph/workspace/internal/store"
)

// IdentifierPresence is one identifier's contribution to a target's
// presence summary.
type IdentifierPresence struct {
	IdentifierID    string
	Type            store.IdentifierType
	ValueNormalized string
	MatchCount      int
	LastSeenUTC     *time.Time
}

// PresenceSummary aggregates TargetMessagePresence rows for one target,
// per spec §4.8's GetTargetPresenceSummary.
type PresenceSummary struct {
	TargetID        string
	PerIdentifier   []IdentifierPresence
	TotalMatchCount int
	LastSeenUTC     *time.Time
}

// GetTargetPresenceSummary aggregates presence rows for targetID,
// grouped by identifier, optionally restricted to one identifier type
// and/or a message-timestamp date range.
func (svc *Service) GetTargetPresenceSummary(ctx context.Context, caseID, targetID string, identifierType *store.IdentifierType, dateFrom, dateTo *time.Time) (PresenceSummary, error) {
	where := []string{"tmp.CaseId = ?", "tmp.TargetId = ?"}
	args := []interface{}{caseID, targetID}

	if identifierType != nil {
		where = append(where, "i.Type = ?")
		args = append(args, string(*identifierType))
	}
	if dateFrom != nil {
		where = append(where, "tmp.MessageTimestampUtc >= ?")
		args = append(args, store.FormatTime(*dateFrom))
	}
	if dateTo != nil {
		where = append(where, "tmp.MessageTimestampUtc <= ?")
		args = append(args, store.FormatTime(*dateTo))
	}

	query := `SELECT i.IdentifierId, i.Type, i.ValueNormalized, COUNT(*) AS MatchCount, MAX(tmp.LastSeenUtc) AS LastSeen
		FROM TargetMessagePresence tmp
		JOIN Identifiers i ON i.IdentifierId = tmp.MatchedIdentifierId
		WHERE ` + strings.Join(where, " AND ") + `
		GROUP BY i.IdentifierId, i.Type, i.ValueNormalized
		ORDER BY MatchCount DESC`

	rows, err := svc.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return PresenceSummary{}, err
	}
	defer rows.Close()

	summary := PresenceSummary{TargetID: targetID}
	for rows.Next() {
		var p IdentifierPresence
		var idType string
		var lastSeen *string
		if err := rows.Scan(&p.IdentifierID, &idType, &p.ValueNormalized, &p.MatchCount, &lastSeen); err != nil {
			return PresenceSummary{}, err
		}
		p.Type = store.IdentifierType(idType)
		if lastSeen != nil {
			t, err := store.ParseTime(*lastSeen)
			if err != nil {
				return PresenceSummary{}, err
			}
			p.LastSeenUTC = &t
			if summary.LastSeenUTC == nil || t.After(*summary.LastSeenUTC) {
				summary.LastSeenUTC = &t
			}
		}
		summary.TotalMatchCount += p.MatchCount
		summary.PerIdentifier = append(summary.PerIdentifier, p)
	}
	return summary, rows.Err()
}
