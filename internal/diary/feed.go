package diary

import (
	"errors"
	"slices"
	"sync"

	"booklog/internal/core"
)

var ErrFeedClosed = errors.New("diary feed closed")

// Feed fans out full diary snapshots per user. Each snapshot replaces the
// previous one; a subscriber that falls behind only ever sees the newest.
type Feed struct {
	mu     sync.Mutex
	latest map[string][]core.DiaryEntry
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription receives snapshots on C until it is closed.
type Subscription struct {
	C <-chan []core.DiaryEntry

	ch     chan []core.DiaryEntry
	feed   *Feed
	userID string
	id     uint64
}

func NewFeed() *Feed {
	return &Feed{
		latest: make(map[string][]core.DiaryEntry),
		subs:   make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber for userID. The last published snapshot,
// if any, is delivered right away.
func (f *Feed) Subscribe(userID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}

	f.nextID++
	ch := make(chan []core.DiaryEntry, 1)
	sub := &Subscription{C: ch, ch: ch, feed: f, userID: userID, id: f.nextID}
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[uint64]*Subscription)
	}
	f.subs[userID][sub.id] = sub

	if snap, ok := f.latest[userID]; ok {
		ch <- snap
	}
	return sub, nil
}

// Publish stores snapshot as the user's current list and delivers it.
func (f *Feed) Publish(userID string, snapshot []core.DiaryEntry) {
	snap := slices.Clone(snapshot)
	if snap == nil {
		snap = []core.DiaryEntry{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest[userID] = snap
	for _, sub := range f.subs[userID] {
		sub.offer(snap)
	}
}

// Latest returns the last snapshot published for userID.
func (f *Feed) Latest(userID string) ([]core.DiaryEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.latest[userID]
	return snap, ok
}

// Subscribers returns the number of live subscriptions for userID.
func (f *Feed) Subscribers(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[userID])
}

// Close ends every subscription. Later Subscribe calls fail.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for userID, subs := range f.subs {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(f.subs, userID)
	}
}

// offer replaces a pending snapshot with snap. Called with the feed lock held.
func (s *Subscription) offer(snap []core.DiaryEntry) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

// Close unregisters the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	f := s.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.subs[s.userID]
	if !ok {
		return
	}
	if _, ok := subs[s.id]; !ok {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(f.subs, s.userID)
	}
	close(s.ch)
}
