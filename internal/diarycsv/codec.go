// Package diarycsv reads and writes the diary CSV exchange format.
//
// Encoding always emits the fixed column order below with every field quoted.
// Decoding maps columns by header name, so files produced by other tools with
// reordered or missing optional columns still import.
package diarycsv

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"booklog/internal/core"
)

const (
	ColWorkKey          = "workKey"
	ColTitle            = "title"
	ColAuthor           = "author"
	ColCoverID          = "coverId"
	ColFirstPublishYear = "firstPublishYear"
	ColNotes            = "notes"
	ColStatus           = "status"
	ColCreatedAt        = "createdAt"
)

// Header is the column order written by Encode.
var Header = []string{
	ColWorkKey, ColTitle, ColAuthor, ColCoverID,
	ColFirstPublishYear, ColNotes, ColStatus, ColCreatedAt,
}

// TimestampLayout is used for createdAt on export.
const TimestampLayout = time.RFC3339Nano

// Filename returns the export file name for the given day.
func Filename(now time.Time) string {
	return "booklog-" + now.Format("2006-01-02") + ".csv"
}

// Record returns the exported field values of e in Header order.
func Record(e core.DiaryEntry) []string {
	status := e.Status
	if status == "" {
		status = core.StatusRead
	}
	created := ""
	if e.HasTimestamp() {
		created = e.CreatedAt.UTC().Format(TimestampLayout)
	}
	return []string{
		e.WorkKey,
		e.Title,
		e.Author,
		optionalInt(e.CoverID),
		optionalInt(e.FirstPublishYear),
		flattenLines(e.Notes),
		string(status),
		created,
	}
}

// Encode writes the header and one row per entry.
func Encode(w io.Writer, entries []core.DiaryEntry) error {
	if _, err := io.WriteString(w, joinQuoted(Header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, e := range entries {
		if _, err := io.WriteString(w, joinQuoted(Record(e))); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	return nil
}

func EncodeToString(entries []core.DiaryEntry) string {
	var sb strings.Builder
	_ = Encode(&sb, entries)
	return sb.String()
}

func joinQuoted(fields []string) string {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(f, `"`, `""`))
		sb.WriteByte('"')
	}
	sb.WriteByte('\n')
	return sb.String()
}

func optionalInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

// flattenLines keeps notes on a single row.
func flattenLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
