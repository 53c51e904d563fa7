package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// parseWorkbook implements the "Workbook parser" from spec §4.5.
func parseWorkbook(path string, progress ProgressFunc) ([]ParsedMessage, string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := selectMessageSheets(f.GetSheetList())
	if len(sheets) == 0 {
		return nil, "No message sheets found; verify export settings.", nil
	}

	fileName := filepath.Base(path)

	type sheetRows struct {
		name string
		rows [][]string
	}
	var collected []sheetRows
	total := 0
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		if len(rows) < 2 {
			continue
		}
		collected = append(collected, sheetRows{name: sheet, rows: rows})
		total += len(rows) - 1
	}
	if total == 0 {
		return nil, "No message sheets found; verify export settings.", nil
	}

	var messages []ParsedMessage
	processed := 0
	for _, sr := range collected {
		header := sr.rows[0]
		colIndex := make(map[string]int)
		for i, cell := range header {
			if logical := logicalColumn(cell); logical != "" {
				if _, exists := colIndex[logical]; !exists {
					colIndex[logical] = i
				}
			}
		}

		for rowNum := 1; rowNum < len(sr.rows); rowNum++ {
			row := sr.rows[rowNum]
			get := func(logical string) string {
				idx, ok := colIndex[logical]
				if !ok || idx >= len(row) {
					return ""
				}
				return strings.TrimSpace(row[idx])
			}

			sender := get("sender")
			recipients := get("recipients")
			body := get("body")
			processed++

			if sender == "" && recipients == "" && body == "" {
				if processed%5 == 0 {
					progress(0.03+float64(processed)/float64(total)*0.67, "Parsing rows…")
				}
				continue
			}

			platformHint := get("platform")
			if platformHint == "" {
				platformHint = sr.name
			}
			platform := NormalizePlatform(platformHint)

			threadKey := get("threadkey")
			if threadKey == "" {
				threadKey = DeriveThreadKey(platform, sender, recipients)
			}

			var threadTitle *string
			if tt := get("threadtitle"); tt != "" {
				threadTitle = &tt
			}

			ts, _ := ParseMessageTimestamp(get("timestamp"))

			msg := ParsedMessage{
				Platform:      platform,
				ThreadKey:     threadKey,
				ThreadTitle:   threadTitle,
				TimestampUTC:  ts,
				Direction:     NormalizeDirection(get("direction")),
				Sender:        sender,
				Recipients:    recipients,
				Body:          body,
				IsDeleted:     IsTruthyDeleted(get("deleted")),
				SourceLocator: fmt.Sprintf("xlsx:%s#%s:R%d", fileName, sr.name, rowNum+1),
			}
			messages = append(messages, msg)

			if processed%5 == 0 {
				progress(0.03+float64(processed)/float64(total)*0.67, "Parsing rows…")
			}
		}
	}
	progress(0.03+0.67, "Parsing rows…")

	return messages, "", nil
}

// selectMessageSheets picks, for each preferred name, the first sheet
// in the workbook matching it case-insensitively.
func selectMessageSheets(all []string) []string {
	var selected []string
	for _, preferred := range preferredSheetNames {
		for _, sheet := range all {
			if strings.EqualFold(sheet, preferred) {
				selected = append(selected, sheet)
				break
			}
		}
	}
	return selected
}
