package core

import (
	"fmt"
	"strconv"
	"time"
)

const (
	RereadAllow    RereadPolicy = "allow"
	RereadDisallow RereadPolicy = "disallow"

	DateModeFirst  DateMode = "first"
	DateModeLatest DateMode = "latest"

	DefaultRereadPolicy = RereadDisallow
	DefaultDateMode     = DateModeFirst
)

// Settings keys as persisted in the key/value settings store.
const (
	SettingAllowRereads = "allowRereads"
	SettingReadDateMode = "readDateMode"
)

// ReadDateLayout is how resolved read dates are shown to users.
const ReadDateLayout = "02 January 2006"

type (
	RereadPolicy string
	DateMode     string

	// Preferences is passed explicitly to the resolver and the reread guard.
	Preferences struct {
		Reread   RereadPolicy `json:"reread"`
		DateMode DateMode     `json:"dateMode"`
	}

	// RereadDecision is the outcome of CheckReread. A refused reread is a
	// decision carrying a message, not an error.
	RereadDecision struct {
		Allowed  bool
		Message  string
		ReadDate *time.Time
	}
)

func (p RereadPolicy) Valid() bool { return p == RereadAllow || p == RereadDisallow }
func (m DateMode) Valid() bool     { return m == DateModeFirst || m == DateModeLatest }

func ParseRereadPolicy(s string) (RereadPolicy, error) {
	p := RereadPolicy(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid reread policy %q: must be %q or %q", s, RereadAllow, RereadDisallow)
	}
	return p, nil
}

func ParseDateMode(s string) (DateMode, error) {
	m := DateMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("invalid date mode %q: must be %q or %q", s, DateModeFirst, DateModeLatest)
	}
	return m, nil
}

func DefaultPreferences() Preferences {
	return Preferences{Reread: DefaultRereadPolicy, DateMode: DefaultDateMode}
}

func (p Preferences) Validate() error {
	if !p.Reread.Valid() {
		return fmt.Errorf("invalid reread policy %q", p.Reread)
	}
	if !p.DateMode.Valid() {
		return fmt.Errorf("invalid date mode %q", p.DateMode)
	}
	return nil
}

// PreferencesFromPairs reads the persisted key/value form. Missing or
// malformed values keep the default for that key.
func PreferencesFromPairs(kv map[string]string) Preferences {
	p := DefaultPreferences()
	if v, ok := kv[SettingAllowRereads]; ok {
		if allow, err := strconv.ParseBool(v); err == nil {
			if allow {
				p.Reread = RereadAllow
			} else {
				p.Reread = RereadDisallow
			}
		}
	}
	if v, ok := kv[SettingReadDateMode]; ok {
		if m, err := ParseDateMode(v); err == nil {
			p.DateMode = m
		}
	}
	return p
}

// Pairs returns the persisted key/value form.
func (p Preferences) Pairs() map[string]string {
	return map[string]string{
		SettingAllowRereads: strconv.FormatBool(p.Reread == RereadAllow),
		SettingReadDateMode: string(p.DateMode),
	}
}

// CheckReread decides whether a new entry for workKey may be logged given the
// entries already stored for it. The date in the message follows the
// configured DateMode and is rendered in loc; nil means UTC.
func CheckReread(p Preferences, workKey string, existing []DiaryEntry, loc *time.Location) RereadDecision {
	if p.Reread == RereadAllow {
		return RereadDecision{Allowed: true}
	}
	found := false
	for _, e := range existing {
		if e.WorkKey == workKey {
			found = true
			break
		}
	}
	if !found {
		return RereadDecision{Allowed: true}
	}

	dec := RereadDecision{Allowed: false}
	date := "an unknown date"
	if t, ok := ResolveReadDates(existing, p.DateMode).Lookup(workKey); ok {
		dec.ReadDate = &t
		if loc == nil {
			loc = time.UTC
		}
		date = t.In(loc).Format(ReadDateLayout)
	}
	verb := "first"
	if p.DateMode == DateModeLatest {
		verb = "last"
	}
	dec.Message = fmt.Sprintf(
		"This book is already in your diary. You %s read it on %s. Your settings are set to not allow rereads.",
		verb, date)
	return dec
}
