package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"booklog/internal/core"
	"booklog/internal/diary"
	"booklog/internal/diarycsv"
	applog "booklog/internal/log"
)

const defaultImportConcurrency = 8

// DiaryService orchestrates diary operations across the entry store, the
// settings store, the live feed and the event publisher.
type DiaryService struct {
	entries  diary.EntryStore
	settings diary.SettingsStore
	feed     *diary.Feed
	events   diary.EventPublisher

	// snapshotLocks holds one *sync.Mutex per user. A snapshot is listed and
	// published under it so feed snapshots never go back in time.
	snapshotLocks sync.Map

	now               func() time.Time
	importConcurrency int
	logger            *applog.Logger
}

type Option func(*DiaryService)

// WithPublisher announces created and deleted entries. Without one, no events are sent.
func WithPublisher(p diary.EventPublisher) Option {
	return func(s *DiaryService) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *DiaryService) { s.now = now }
}

func WithImportConcurrency(n int) Option {
	return func(s *DiaryService) {
		if n > 0 {
			s.importConcurrency = n
		}
	}
}

func WithLogger(l *applog.Logger) Option {
	return func(s *DiaryService) { s.logger = l }
}

func NewDiaryService(entries diary.EntryStore, settings diary.SettingsStore, feed *diary.Feed, opts ...Option) *DiaryService {
	s := &DiaryService{
		entries:           entries,
		settings:          settings,
		feed:              feed,
		now:               time.Now,
		importConcurrency: defaultImportConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = diary.NewFeed()
	}
	if s.logger == nil {
		s.logger = applog.New(applog.Config{
			Component: applog.ComponentDiary,
			Handler:   slog.Default().Handler(),
		})
	}
	return s
}

// CreateResult reports what CreateEntry did. When the reread guard refuses,
// Created is false and Message explains why; that is not an error.
type CreateResult struct {
	Created  bool             `json:"created"`
	Entry    *core.DiaryEntry `json:"entry,omitempty"`
	Message  string           `json:"message,omitempty"`
	ReadDate *time.Time       `json:"readDate,omitempty"`
}

func (s *DiaryService) ListEntries(ctx context.Context, userID string) ([]core.DiaryEntry, error) {
	entries, err := s.entries.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if entries == nil {
		entries = []core.DiaryEntry{}
	}
	return entries, nil
}

// Subscribe returns a live subscription to the user's diary. The stored list
// is re-read and published first, so the first snapshot also covers rows
// written by other processes sharing the store.
func (s *DiaryService) Subscribe(ctx context.Context, userID string) (*diary.Subscription, error) {
	unlock := s.lockSnapshots(userID)
	defer unlock()

	if err := s.publishLocked(ctx, userID); err != nil {
		return nil, err
	}
	sub, err := s.feed.Subscribe(userID)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

// CreateEntry logs book for userID unless the reread guard refuses it. A
// refusal message shows the earlier read date in loc.
func (s *DiaryService) CreateEntry(ctx context.Context, userID string, book core.Book, notes string, status core.Status, loc *time.Location) (CreateResult, error) {
	entry, err := core.NewEntry(book, notes, status, s.now())
	if err != nil {
		return CreateResult{}, err
	}

	prefs, err := s.Preferences(ctx, userID)
	if err != nil {
		return CreateResult{}, err
	}

	existing, err := s.entries.FindByWork(ctx, userID, entry.WorkKey)
	if err != nil {
		return CreateResult{}, fmt.Errorf("find entries for %s: %w", entry.WorkKey, err)
	}

	decision := core.CheckReread(prefs, entry.WorkKey, existing, loc)
	if !decision.Allowed {
		applog.NewStructuredLogger(s.logger).LogRereadRefused(ctx, userID, entry.WorkKey)
		return CreateResult{Created: false, Message: decision.Message, ReadDate: decision.ReadDate}, nil
	}

	id, err := s.entries.Create(ctx, userID, entry)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create entry: %w", err)
	}
	entry.ID = id
	entry.UserID = userID

	applog.NewStructuredLogger(s.logger).LogEntryCreated(ctx, userID, id, entry.WorkKey, string(entry.Status))

	s.publishSnapshot(ctx, userID)
	if s.events != nil {
		if err := s.events.PublishEntryCreated(ctx, entry); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish entry created event",
				applog.FieldEntryID, id, applog.FieldError, err)
		}
	}

	return CreateResult{Created: true, Entry: &entry}, nil
}

func (s *DiaryService) DeleteEntry(ctx context.Context, userID, id string) error {
	entry, err := s.entries.Get(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("get entry %s: %w", id, err)
	}
	if err := s.entries.Delete(ctx, userID, id); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Diary entry deleted",
		applog.FieldUserID, userID,
		applog.FieldEntryID, id,
		applog.FieldWorkKey, entry.WorkKey,
		applog.FieldOperation, applog.OpDelete)

	s.publishSnapshot(ctx, userID)
	if s.events != nil {
		entry.UserID = userID
		if err := s.events.PublishEntryDeleted(ctx, entry); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish entry deleted event",
				applog.FieldEntryID, id, applog.FieldError, err)
		}
	}
	return nil
}

// StatsView is everything the statistics page shows for one scope.
type StatsView struct {
	Scope           string             `json:"scope"`
	Years           []string           `json:"years"`
	TotalBooks      int                `json:"totalBooks"`
	AveragePerMonth string             `json:"averagePerMonth"`
	Bars            []core.Bar         `json:"bars"`
	TopAuthors      []core.AuthorCount `json:"topAuthors"`
	FirstLast       []core.MonthSpan   `json:"firstLast,omitempty"`
}

// Stats aggregates the user's diary for scope ("all" or a year) with months
// taken in loc.
func (s *DiaryService) Stats(ctx context.Context, userID, scope string, loc *time.Location) (StatsView, error) {
	entries, err := s.entries.List(ctx, userID)
	if err != nil {
		return StatsView{}, fmt.Errorf("list entries for stats: %w", err)
	}
	if scope == "" {
		scope = core.ScopeAll
	}

	st := core.Aggregate(entries, loc)
	view := StatsView{
		Scope:           scope,
		Years:           st.Years,
		TotalBooks:      st.TotalBooks(scope),
		AveragePerMonth: core.FormatAverage(st.AveragePerMonth(scope)),
		Bars:            st.BarSeries(scope),
		TopAuthors:      st.TopAuthors(scope, core.DefaultTopAuthors),
	}
	if view.Years == nil {
		view.Years = []string{}
	}
	if scope != core.ScopeAll {
		view.FirstLast = st.FirstLastPerMonth(scope)
	}
	return view, nil
}

// ReadDates resolves one read date per work under the user's date mode.
func (s *DiaryService) ReadDates(ctx context.Context, userID string) (core.ReadMap, error) {
	prefs, err := s.Preferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.entries.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list entries for read dates: %w", err)
	}
	return core.ResolveReadDates(entries, prefs.DateMode), nil
}

func (s *DiaryService) Preferences(ctx context.Context, userID string) (core.Preferences, error) {
	kv, err := s.settings.AllSettings(ctx, userID)
	if err != nil {
		return core.Preferences{}, fmt.Errorf("load settings: %w", err)
	}
	return core.PreferencesFromPairs(kv), nil
}

func (s *DiaryService) UpdatePreferences(ctx context.Context, userID string, prefs core.Preferences) (core.Preferences, error) {
	if err := prefs.Validate(); err != nil {
		return core.Preferences{}, err
	}
	for k, v := range prefs.Pairs() {
		if err := s.settings.SetSetting(ctx, userID, k, v); err != nil {
			return core.Preferences{}, fmt.Errorf("save setting %s: %w", k, err)
		}
	}
	s.logger.InfoContext(ctx, "Preferences updated",
		applog.FieldUserID, userID,
		"reread", prefs.Reread,
		"date_mode", prefs.DateMode)
	return prefs, nil
}

// ExportCSV writes the user's diary as CSV and returns the suggested file name.
func (s *DiaryService) ExportCSV(ctx context.Context, userID string, w io.Writer) (string, error) {
	entries, err := s.entries.List(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list entries for export: %w", err)
	}
	if err := diarycsv.Encode(w, entries); err != nil {
		return "", fmt.Errorf("encode csv: %w", err)
	}
	s.logger.InfoContext(ctx, "Diary exported",
		applog.FieldUserID, userID,
		applog.FieldCount, len(entries),
		applog.FieldOperation, applog.OpExport)
	return diarycsv.Filename(s.now()), nil
}

func (s *DiaryService) publishSnapshot(ctx context.Context, userID string) {
	if err := s.refresh(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to refresh diary snapshot",
			applog.FieldUserID, userID, applog.FieldError, err)
	}
}

func (s *DiaryService) refresh(ctx context.Context, userID string) error {
	unlock := s.lockSnapshots(userID)
	defer unlock()
	return s.publishLocked(ctx, userID)
}

func (s *DiaryService) publishLocked(ctx context.Context, userID string) error {
	entries, err := s.ListEntries(ctx, userID)
	if err != nil {
		return err
	}
	s.feed.Publish(userID, entries)
	return nil
}

func (s *DiaryService) lockSnapshots(userID string) func() {
	mu, _ := s.snapshotLocks.LoadOrStore(userID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// IsNotFound reports whether err came from an unknown entry id.
func IsNotFound(err error) bool { return errors.Is(err, diary.ErrNotFound) }
