package google

import (
	"fmt"
	"strings"

	"booklog/internal/core"
	"booklog/internal/diarycsv"
)

const (
	colEntryID = "entryId"
	colUserID  = "userId"
)

// headerRow is the first row of the diary sheet: ids, then the CSV columns.
func headerRow() []any {
	row := []any{colEntryID, colUserID}
	for _, h := range diarycsv.Header {
		row = append(row, h)
	}
	return row
}

// entryRow converts e using the CSV export rules so the sheet and a CSV
// export of the same diary agree cell by cell.
func entryRow(e core.DiaryEntry) []any {
	row := []any{e.ID, e.UserID}
	for _, v := range diarycsv.Record(e) {
		row = append(row, v)
	}
	return row
}

// lastColumn is the column letter of the final header cell.
func lastColumn() string {
	return columnLetter(len(diarycsv.Header) + 2)
}

// columnLetter maps 1 to A, 26 to Z, 27 to AA.
func columnLetter(n int) string {
	var sb []byte
	for n > 0 {
		n--
		sb = append([]byte{byte('A' + n%26)}, sb...)
		n /= 26
	}
	return string(sb)
}

// findRow returns the zero-based index of the row whose first cell is
// entryID, or -1.
func findRow(values [][]any, entryID string) int {
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(row[0])) == entryID {
			return i
		}
	}
	return -1
}

func isHeader(values [][]any) bool {
	if len(values) == 0 || len(values[0]) == 0 {
		return false
	}
	return strings.TrimSpace(fmt.Sprint(values[0][0])) == colEntryID
}
