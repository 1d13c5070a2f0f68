package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusRead       Status = "read"
	StatusReading    Status = "reading"
	StatusTBR        Status = "tbr"
	StatusInterested Status = "interested"
	StatusPaused     Status = "paused"
)

// UnknownAuthor is stored when neither the catalog nor an import carries an author.
const UnknownAuthor = "Unknown"

type (
	Status string

	// Book is a catalog level work as returned by the search API.
	Book struct {
		WorkKey          string `json:"workKey"`
		Title            string `json:"title"`
		Author           string `json:"author"`
		CoverID          *int   `json:"coverId,omitempty"`
		FirstPublishYear *int   `json:"firstPublishYear,omitempty"`
	}

	// DiaryEntry is one logged interaction between a user and a work.
	// Entries are never edited, only created and deleted.
	DiaryEntry struct {
		ID               string     `json:"id"`
		UserID           string     `json:"-"`
		WorkKey          string     `json:"workKey"`
		Title            string     `json:"title"`
		Author           string     `json:"author"`
		CoverID          *int       `json:"coverId,omitempty"`
		FirstPublishYear *int       `json:"firstPublishYear,omitempty"`
		Notes            string     `json:"notes"`
		Status           Status     `json:"status"`
		CreatedAt        *time.Time `json:"createdAt,omitempty"`
	}
)

var (
	ErrInvalidStatus = errors.New("invalid status")
	ErrEmptyWorkKey  = errors.New("empty work key")
	ErrEmptyTitle    = errors.New("empty title")
)

// Statuses lists every status in display order.
func Statuses() []Status {
	return []Status{StatusRead, StatusReading, StatusTBR, StatusInterested, StatusPaused}
}

// ParseStatus accepts the lowercase status names, ignoring case and surrounding spaces.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusRead, StatusReading, StatusTBR, StatusInterested, StatusPaused:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

func (b Book) Validate() error {
	if strings.TrimSpace(b.WorkKey) == "" {
		return ErrEmptyWorkKey
	}
	if strings.TrimSpace(b.Title) == "" {
		return ErrEmptyTitle
	}
	return nil
}

// NewEntry builds an entry for book. Only read entries are timestamped.
func NewEntry(b Book, notes string, status Status, now time.Time) (DiaryEntry, error) {
	if err := b.Validate(); err != nil {
		return DiaryEntry{}, err
	}
	if !status.Valid() {
		return DiaryEntry{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	e := DiaryEntry{
		WorkKey:          strings.TrimSpace(b.WorkKey),
		Title:            strings.TrimSpace(b.Title),
		Author:           AuthorOrUnknown(b.Author),
		CoverID:          copyInt(b.CoverID),
		FirstPublishYear: copyInt(b.FirstPublishYear),
		Notes:            notes,
		Status:           status,
	}
	if status == StatusRead {
		ts := now
		e.CreatedAt = &ts
	}
	return e, nil
}

// HasTimestamp reports whether the entry carries a usable read timestamp.
func (e DiaryEntry) HasTimestamp() bool {
	return e.CreatedAt != nil && !e.CreatedAt.IsZero()
}

// Book returns the catalog view of the entry.
func (e DiaryEntry) Book() Book {
	return Book{
		WorkKey:          e.WorkKey,
		Title:            e.Title,
		Author:           e.Author,
		CoverID:          copyInt(e.CoverID),
		FirstPublishYear: copyInt(e.FirstPublishYear),
	}
}

func AuthorOrUnknown(author string) string {
	if a := strings.TrimSpace(author); a != "" {
		return a
	}
	return UnknownAuthor
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int { return &v }

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CoverURL returns the Open Library cover image for an id.
// Size is S, M or L; anything else falls back to M.
func CoverURL(coverID *int, size string) string {
	if coverID == nil {
		return "https://via.placeholder.com/150x220?text=No+Cover"
	}
	switch size {
	case "S", "M", "L":
	default:
		size = "M"
	}
	return fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-%s.jpg", *coverID, size)
}
