// Package diary declares the storage ports of the reading diary and the live
// snapshot feed used by listing views.
package diary

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"booklog/internal/core"
)

var ErrNotFound = errors.New("diary entry not found")

// Ports for storage adapters. Every operation is scoped to one user.
type (
	EntryLister interface {
		// List returns the user's entries, newest first; untimestamped entries last.
		List(ctx context.Context, userID string) ([]core.DiaryEntry, error)
	}

	EntryGetter interface {
		Get(ctx context.Context, userID, id string) (core.DiaryEntry, error)
	}

	EntryFinder interface {
		// FindByWork returns every entry the user logged for workKey.
		FindByWork(ctx context.Context, userID, workKey string) ([]core.DiaryEntry, error)
	}

	EntryWriter interface {
		// Create stores e and returns the id assigned to it.
		Create(ctx context.Context, userID string, e core.DiaryEntry) (id string, err error)
	}

	EntryDeleter interface {
		// Delete removes an entry. Unknown ids yield ErrNotFound.
		Delete(ctx context.Context, userID, id string) error
	}

	EntryStore interface {
		EntryLister
		EntryGetter
		EntryFinder
		EntryWriter
		EntryDeleter
	}

	// SettingsStore persists per-user preferences as key/value pairs.
	SettingsStore interface {
		GetSetting(ctx context.Context, userID, key string) (value string, ok bool, err error)
		SetSetting(ctx context.Context, userID, key, value string) error
		AllSettings(ctx context.Context, userID string) (map[string]string, error)
	}

	// EventPublisher announces diary changes to out-of-process consumers.
	EventPublisher interface {
		PublishEntryCreated(ctx context.Context, e core.DiaryEntry) error
		PublishEntryDeleted(ctx context.Context, e core.DiaryEntry) error
	}
)

// SortNewestFirst orders entries by CreatedAt descending in place. Entries
// without a timestamp go last; ties are ordered by id.
func SortNewestFirst(entries []core.DiaryEntry) {
	slices.SortStableFunc(entries, func(a, b core.DiaryEntry) int {
		switch {
		case a.HasTimestamp() && b.HasTimestamp():
			if c := b.CreatedAt.Compare(*a.CreatedAt); c != 0 {
				return c
			}
		case a.HasTimestamp():
			return -1
		case b.HasTimestamp():
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
