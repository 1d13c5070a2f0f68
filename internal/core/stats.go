package core

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ScopeAll selects every year in the statistics queries.
const ScopeAll = "all"

// DefaultTopAuthors is the number of authors shown in the statistics view.
const DefaultTopAuthors = 5

type (
	// YearBucket aggregates the entries of one calendar year.
	YearBucket struct {
		Year        string
		Entries     []DiaryEntry
		ByMonth     map[string][]DiaryEntry // keyed by "YYYY-MM"
		MonthCounts [12]int                 // index 0 is January
		Authors     map[string]int
	}

	// Stats is the read-only result of Aggregate.
	Stats struct {
		Entries []DiaryEntry // ascending by CreatedAt
		Years   []string     // descending
		ByYear  map[string]*YearBucket
		Authors map[string]int
	}

	Bar struct {
		Label string `json:"label"`
		Value int    `json:"value"`
	}

	AuthorCount struct {
		Author string `json:"author"`
		Count  int    `json:"count"`
	}

	MonthSpan struct {
		Month string     `json:"month"`
		First DiaryEntry `json:"first"`
		Last  DiaryEntry `json:"last"`
	}
)

// Aggregate groups timestamped entries by year, month and author.
// Entries without a timestamp are dropped. Year and month are taken in loc,
// time.Local when loc is nil. The input slice is not modified.
func Aggregate(entries []DiaryEntry, loc *time.Location) *Stats {
	if loc == nil {
		loc = time.Local
	}

	dated := make([]DiaryEntry, 0, len(entries))
	for _, e := range entries {
		if e.HasTimestamp() {
			dated = append(dated, e)
		}
	}
	slices.SortStableFunc(dated, func(a, b DiaryEntry) int {
		if c := a.CreatedAt.Compare(*b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	st := &Stats{
		Entries: dated,
		ByYear:  make(map[string]*YearBucket),
		Authors: make(map[string]int),
	}

	for _, e := range dated {
		t := e.CreatedAt.In(loc)
		year := strconv.Itoa(t.Year())
		month := int(t.Month())

		b, ok := st.ByYear[year]
		if !ok {
			b = &YearBucket{
				Year:    year,
				ByMonth: make(map[string][]DiaryEntry),
				Authors: make(map[string]int),
			}
			st.ByYear[year] = b
			st.Years = append(st.Years, year)
		}
		b.Entries = append(b.Entries, e)
		b.MonthCounts[month-1]++
		key := monthKey(year, month)
		b.ByMonth[key] = append(b.ByMonth[key], e)

		if a := strings.TrimSpace(e.Author); a != "" {
			b.Authors[a]++
			st.Authors[a]++
		}
	}

	slices.SortFunc(st.Years, func(a, b string) int { return cmp.Compare(b, a) })
	return st
}

func monthKey(year string, month int) string {
	return fmt.Sprintf("%s-%02d", year, month)
}

// bucketsFor returns the buckets covered by scope, in Years order.
func (s *Stats) bucketsFor(scope string) []*YearBucket {
	if scope == ScopeAll || scope == "" {
		out := make([]*YearBucket, 0, len(s.Years))
		for _, y := range s.Years {
			out = append(out, s.ByYear[y])
		}
		return out
	}
	if b, ok := s.ByYear[scope]; ok {
		return []*YearBucket{b}
	}
	return nil
}

func (s *Stats) TotalBooks(scope string) int {
	total := 0
	for _, b := range s.bucketsFor(scope) {
		total += len(b.Entries)
	}
	return total
}

// AveragePerMonth divides the entries in scope by the number of distinct
// months that have at least one entry. An empty scope yields 0.
func (s *Stats) AveragePerMonth(scope string) float64 {
	entries, months := 0, 0
	for _, b := range s.bucketsFor(scope) {
		entries += len(b.Entries)
		months += len(b.ByMonth)
	}
	if months == 0 {
		return 0
	}
	return float64(entries) / float64(months)
}

// FormatAverage renders an average with two decimals, "0" when zero.
func FormatAverage(avg float64) string {
	if avg == 0 {
		return "0"
	}
	return strconv.FormatFloat(avg, 'f', 2, 64)
}

// BarSeries returns one bar per year for ScopeAll, otherwise twelve monthly bars.
func (s *Stats) BarSeries(scope string) []Bar {
	if scope == ScopeAll || scope == "" {
		bars := make([]Bar, 0, len(s.Years))
		for _, y := range s.Years {
			bars = append(bars, Bar{Label: y, Value: len(s.ByYear[y].Entries)})
		}
		return bars
	}
	var counts [12]int
	if b, ok := s.ByYear[scope]; ok {
		counts = b.MonthCounts
	}
	bars := make([]Bar, 12)
	for i := range bars {
		bars[i] = Bar{Label: time.Month(i + 1).String()[:3], Value: counts[i]}
	}
	return bars
}

// TopAuthors returns up to n authors by descending count. n <= 0 uses DefaultTopAuthors.
func (s *Stats) TopAuthors(scope string, n int) []AuthorCount {
	if n <= 0 {
		n = DefaultTopAuthors
	}
	counts := s.Authors
	if scope != ScopeAll && scope != "" {
		b, ok := s.ByYear[scope]
		if !ok {
			return []AuthorCount{}
		}
		counts = b.Authors
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	collate.New(language.Und).SortStrings(names)

	out := make([]AuthorCount, 0, len(names))
	for _, name := range names {
		out = append(out, AuthorCount{Author: name, Count: counts[name]})
	}
	slices.SortStableFunc(out, func(a, b AuthorCount) int { return cmp.Compare(b.Count, a.Count) })

	if len(out) > n {
		out = out[:n]
	}
	return out
}

// FirstLastPerMonth lists, for each month of year that has entries, the first
// and last entries in time order. Months are ascending.
func (s *Stats) FirstLastPerMonth(year string) []MonthSpan {
	b, ok := s.ByYear[year]
	if !ok {
		return []MonthSpan{}
	}
	keys := make([]string, 0, len(b.ByMonth))
	for k := range b.ByMonth {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	spans := make([]MonthSpan, 0, len(keys))
	for _, k := range keys {
		list := b.ByMonth[k]
		spans = append(spans, MonthSpan{Month: k, First: list[0], Last: list[len(list)-1]})
	}
	return spans
}
