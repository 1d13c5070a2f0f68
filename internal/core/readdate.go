package core

import "time"

// ReadMap maps a work key to its resolved read date.
type ReadMap map[string]time.Time

// ResolveReadDates collapses the read timestamps of each work into one date:
// the earliest for DateModeFirst, the latest for DateModeLatest. Entries that
// are not read, have no work key or no timestamp are skipped.
func ResolveReadDates(entries []DiaryEntry, mode DateMode) ReadMap {
	if !mode.Valid() {
		mode = DefaultDateMode
	}
	out := make(ReadMap)
	for _, e := range entries {
		if e.Status != StatusRead || e.WorkKey == "" || !e.HasTimestamp() {
			continue
		}
		ts := *e.CreatedAt
		cur, seen := out[e.WorkKey]
		switch {
		case !seen:
			out[e.WorkKey] = ts
		case mode == DateModeFirst && ts.Before(cur):
			out[e.WorkKey] = ts
		case mode == DateModeLatest && ts.After(cur):
			out[e.WorkKey] = ts
		}
	}
	return out
}

// Lookup reports the resolved date for workKey, if any.
func (m ReadMap) Lookup(workKey string) (time.Time, bool) {
	t, ok := m[workKey]
	return t, ok
}
