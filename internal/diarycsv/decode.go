package diarycsv

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"booklog/internal/core"
)

// Warning reports a row that was skipped during Decode.
type Warning struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (w Warning) String() string { return fmt.Sprintf("line %d: %s", w.Line, w.Reason) }

var (
	errUnterminatedQuote = errors.New("unterminated quoted field")
	errStrayQuote        = errors.New("quote inside unquoted field")
)

var lineBreak = regexp.MustCompile(`\r?\n`)

// createdAt layouts accepted on import, most specific first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Decode parses CSV text into entries. Blank lines are ignored and the first
// remaining line is the header. Malformed rows are skipped and reported as
// warnings; they never abort the rest of the file. Read entries without a
// parseable createdAt are stamped with now. A leading byte order mark is
// ignored.
func Decode(text string, now time.Time) ([]core.DiaryEntry, []Warning) {
	text = strings.TrimPrefix(text, "\ufeff")

	var (
		entries  []core.DiaryEntry
		warnings []Warning
		columns  map[string]int
		width    int
	)

	for i, line := range lineBreak.Split(text, -1) {
		lineNo := i + 1
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields, err := SplitRow(line)
		if err != nil {
			warnings = append(warnings, Warning{Line: lineNo, Reason: err.Error()})
			if columns == nil {
				return nil, warnings
			}
			continue
		}

		if columns == nil {
			columns, err = mapHeader(fields)
			if err != nil {
				return nil, append(warnings, Warning{Line: lineNo, Reason: err.Error()})
			}
			width = len(fields)
			continue
		}

		if len(fields) != width {
			warnings = append(warnings, Warning{
				Line:   lineNo,
				Reason: fmt.Sprintf("expected %d columns, got %d", width, len(fields)),
			})
			continue
		}

		e, err := decodeRow(fields, columns, now)
		if err != nil {
			warnings = append(warnings, Warning{Line: lineNo, Reason: err.Error()})
			continue
		}
		entries = append(entries, e)
	}

	return entries, warnings
}

func mapHeader(fields []string) (map[string]int, error) {
	known := make(map[string]string, len(Header))
	for _, h := range Header {
		known[strings.ToLower(h)] = h
	}
	columns := make(map[string]int, len(fields))
	for i, f := range fields {
		if name, ok := known[strings.ToLower(strings.TrimSpace(f))]; ok {
			if _, dup := columns[name]; !dup {
				columns[name] = i
			}
		}
	}
	for _, required := range []string{ColWorkKey, ColTitle} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("header is missing the %s column", required)
		}
	}
	return columns, nil
}

func decodeRow(fields []string, columns map[string]int, now time.Time) (core.DiaryEntry, error) {
	get := func(col string) string {
		if idx, ok := columns[col]; ok {
			return fields[idx]
		}
		return ""
	}

	status := core.StatusRead
	if raw := strings.TrimSpace(get(ColStatus)); raw != "" {
		st, err := core.ParseStatus(raw)
		if err != nil {
			return core.DiaryEntry{}, err
		}
		status = st
	}

	book := core.Book{
		WorkKey: strings.TrimSpace(get(ColWorkKey)),
		Title:   strings.TrimSpace(get(ColTitle)),
	}
	if err := book.Validate(); err != nil {
		return core.DiaryEntry{}, err
	}

	e := core.DiaryEntry{
		WorkKey:          book.WorkKey,
		Title:            book.Title,
		Author:           strings.TrimSpace(get(ColAuthor)),
		CoverID:          parseOptionalInt(get(ColCoverID)),
		FirstPublishYear: parseOptionalInt(get(ColFirstPublishYear)),
		Notes:            get(ColNotes),
		Status:           status,
	}
	if e.Author == "" {
		e.Author = core.UnknownAuthor
	}
	if status == core.StatusRead {
		ts, ok := parseTimestamp(get(ColCreatedAt))
		if !ok {
			ts = now
		}
		e.CreatedAt = &ts
	}
	return e, nil
}

func parseOptionalInt(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SplitRow tokenizes one CSV line. A field is either a double-quoted span, in
// which "" stands for one quote, or a bare run of characters other than comma
// and quote. Fields are separated by commas; nothing between two commas is an
// empty field. Spaces and tabs around a quoted field are dropped.
func SplitRow(line string) ([]string, error) {
	var fields []string
	i := 0
	for {
		if j := skipBlanks(line, i); j < len(line) && line[j] == '"' {
			i = j
			var sb strings.Builder
			i++
			closed := false
			for i < len(line) {
				c := line[i]
				if c == '"' {
					if i+1 < len(line) && line[i+1] == '"' {
						sb.WriteByte('"')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(c)
				i++
			}
			if !closed {
				return nil, errUnterminatedQuote
			}
			i = skipBlanks(line, i)
			fields = append(fields, sb.String())
		} else {
			start := i
			for i < len(line) && line[i] != ',' {
				if line[i] == '"' {
					return nil, errStrayQuote
				}
				i++
			}
			fields = append(fields, line[start:i])
		}

		if i == len(line) {
			return fields, nil
		}
		if line[i] != ',' {
			return nil, fmt.Errorf("unexpected %q after quoted field at column %d", line[i], i+1)
		}
		i++
	}
}

func skipBlanks(line string, i int) int {
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return i
}
