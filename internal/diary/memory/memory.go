package memory

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"booklog/internal/core"
	"booklog/internal/diary"
	"booklog/internal/diarycsv"
)

// Store keeps entries and settings in process memory.
type Store struct {
	mu       sync.Mutex
	entries  map[string][]core.DiaryEntry // by user id
	settings map[string]map[string]string
}

var (
	_ diary.EntryStore    = (*Store)(nil)
	_ diary.SettingsStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		entries:  make(map[string][]core.DiaryEntry),
		settings: make(map[string]map[string]string),
	}
}

// NewFromFiles seeds userID's diary from base/seed_diary.csv when present.
// A missing or unreadable file yields an empty store.
func NewFromFiles(base, userID string) *Store {
	s := New()
	data, err := os.ReadFile(filepath.Join(base, "seed_diary.csv"))
	if err != nil {
		return s
	}
	entries, _ := diarycsv.Decode(string(data), time.Now())
	for _, e := range entries {
		_, _ = s.Create(context.Background(), userID, e)
	}
	return s
}

func (s *Store) List(_ context.Context, userID string) ([]core.DiaryEntry, error) {
	s.mu.Lock()
	out := slices.Clone(s.entries[userID])
	s.mu.Unlock()
	diary.SortNewestFirst(out)
	return out, nil
}

func (s *Store) Get(_ context.Context, userID, id string) (core.DiaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[userID] {
		if e.ID == id {
			return e, nil
		}
	}
	return core.DiaryEntry{}, diary.ErrNotFound
}

func (s *Store) FindByWork(_ context.Context, userID, workKey string) ([]core.DiaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.DiaryEntry
	for _, e := range s.entries[userID] {
		if e.WorkKey == workKey {
			out = append(out, e)
		}
	}
	return out, nil
}

// Create stores the entry under a fresh UUID.
func (s *Store) Create(_ context.Context, userID string, e core.DiaryEntry) (string, error) {
	e.ID = uuid.NewString()
	e.UserID = userID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = append(s.entries[userID], e)
	return e.ID, nil
}

func (s *Store) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[userID]
	for i, e := range list {
		if e.ID == id {
			s.entries[userID] = slices.Delete(list, i, i+1)
			return nil
		}
	}
	return diary.ErrNotFound
}

func (s *Store) GetSetting(_ context.Context, userID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[userID][key]
	return v, ok, nil
}

func (s *Store) SetSetting(_ context.Context, userID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings[userID] == nil {
		s.settings[userID] = make(map[string]string)
	}
	s.settings[userID][key] = value
	return nil
}

func (s *Store) AllSettings(_ context.Context, userID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings[userID]))
	for k, v := range s.settings[userID] {
		out[k] = v
	}
	return out, nil
}
