package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booklog/internal/core"
	"booklog/internal/diary"
	"booklog/internal/diary/memory"
)

type recordingPublisher struct {
	mu      sync.Mutex
	created []core.DiaryEntry
	deleted []core.DiaryEntry
	err     error
}

func (p *recordingPublisher) PublishEntryCreated(_ context.Context, e core.DiaryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return p.err
}

func (p *recordingPublisher) PublishEntryDeleted(_ context.Context, e core.DiaryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, e)
	return p.err
}

// clock returns successive instants one day apart starting at start.
func clock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(24 * time.Hour)
		return t
	}
}

var start = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, opts ...Option) (*DiaryService, *memory.Store, *recordingPublisher) {
	t.Helper()
	store := memory.New()
	pub := &recordingPublisher{}
	opts = append([]Option{WithPublisher(pub), WithClock(clock(start))}, opts...)
	svc := NewDiaryService(store, store, diary.NewFeed(), opts...)
	return svc, store, pub
}

func dune() core.Book {
	return core.Book{WorkKey: "/works/OL893415W", Title: "Dune", Author: "Frank Herbert", CoverID: core.IntPtr(11481354)}
}

func TestCreateEntry_StoresAndPublishes(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newService(t)

	res, err := svc.CreateEntry(ctx, "u1", dune(), "great", core.StatusRead, time.UTC)

	require.NoError(t, err)
	require.True(t, res.Created)
	require.NotNil(t, res.Entry)
	assert.NotEmpty(t, res.Entry.ID)
	assert.True(t, start.Equal(*res.Entry.CreatedAt))
	require.Len(t, pub.created, 1)
	assert.Equal(t, "u1", pub.created[0].UserID)

	list, err := svc.ListEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateEntry_NonReadHasNoTimestamp(t *testing.T) {
	svc, _, _ := newService(t)

	res, err := svc.CreateEntry(context.Background(), "u1", dune(), "", core.StatusTBR, time.UTC)

	require.NoError(t, err)
	assert.Nil(t, res.Entry.CreatedAt)
}

func TestCreateEntry_InvalidInput(t *testing.T) {
	svc, _, pub := newService(t)
	ctx := context.Background()

	_, err := svc.CreateEntry(ctx, "u1", dune(), "", core.Status("finished"), time.UTC)
	assert.ErrorIs(t, err, core.ErrInvalidStatus)

	_, err = svc.CreateEntry(ctx, "u1", core.Book{Title: "x"}, "", core.StatusRead, time.UTC)
	assert.ErrorIs(t, err, core.ErrEmptyWorkKey)
	assert.Empty(t, pub.created)
}

func TestCreateEntry_RereadGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("disallowed by default, first date shown", func(t *testing.T) {
		svc, _, pub := newService(t)
		_, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)
		require.NoError(t, err)

		res, err := svc.CreateEntry(ctx, "u1", dune(), "again", core.StatusRead, time.UTC)

		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Nil(t, res.Entry)
		assert.Equal(t,
			"This book is already in your diary. You first read it on 10 March 2024. Your settings are set to not allow rereads.",
			res.Message)
		assert.Len(t, pub.created, 1)
	})

	t.Run("latest mode shows the last read", func(t *testing.T) {
		svc, _, _ := newService(t)
		_, err := svc.UpdatePreferences(ctx, "u1", core.Preferences{Reread: core.RereadAllow, DateMode: core.DateModeLatest})
		require.NoError(t, err)
		for range 2 {
			res, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)
			require.NoError(t, err)
			require.True(t, res.Created)
		}
		_, err = svc.UpdatePreferences(ctx, "u1", core.Preferences{Reread: core.RereadDisallow, DateMode: core.DateModeLatest})
		require.NoError(t, err)

		res, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)

		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Contains(t, res.Message, "You last read it on 11 March 2024.")
	})

	t.Run("unresolvable date", func(t *testing.T) {
		svc, _, _ := newService(t)
		_, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusInterested, time.UTC)
		require.NoError(t, err)

		res, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)

		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Contains(t, res.Message, "an unknown date")
	})

	t.Run("other users are independent", func(t *testing.T) {
		svc, _, _ := newService(t)
		_, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)
		require.NoError(t, err)

		res, err := svc.CreateEntry(ctx, "u2", dune(), "", core.StatusRead, time.UTC)
		require.NoError(t, err)
		assert.True(t, res.Created)
	})
}

func TestCreateEntry_PublishFailureIsNotReturned(t *testing.T) {
	svc, _, pub := newService(t)
	pub.err = errors.New("broker down")

	res, err := svc.CreateEntry(context.Background(), "u1", dune(), "", core.StatusRead, time.UTC)

	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestDeleteEntry(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newService(t)
	res, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)
	require.NoError(t, err)

	err = svc.DeleteEntry(ctx, "u2", res.Entry.ID)
	assert.True(t, IsNotFound(err))

	require.NoError(t, svc.DeleteEntry(ctx, "u1", res.Entry.ID))
	require.Len(t, pub.deleted, 1)
	assert.Equal(t, dune().WorkKey, pub.deleted[0].WorkKey)
	assert.Equal(t, "u1", pub.deleted[0].UserID)

	assert.True(t, IsNotFound(svc.DeleteEntry(ctx, "u1", res.Entry.ID)))
}

func TestSubscribe_SeedsAndReceivesUpdates(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	_, err := store.Create(ctx, "u1", core.DiaryEntry{WorkKey: "w0", Title: "Seeded", Status: core.StatusTBR})
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.C
	require.Len(t, first, 1)
	assert.Equal(t, "Seeded", first[0].Title)

	_, err = svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)
	require.NoError(t, err)

	select {
	case snap := <-sub.C:
		require.Len(t, snap, 2)
		assert.Equal(t, "Dune", snap[0].Title, "snapshot is newest first")
	case <-time.After(time.Second):
		t.Fatal("no snapshot after create")
	}
}

// stallingStore returns the first List result only after release is closed,
// so a slow snapshot can race a later write.
type stallingStore struct {
	*memory.Store
	once    sync.Once
	listed  chan struct{}
	release chan struct{}
}

func (s *stallingStore) List(ctx context.Context, userID string) ([]core.DiaryEntry, error) {
	entries, err := s.Store.List(ctx, userID)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.listed)
		<-s.release
	}
	return entries, err
}

func TestCreateEntry_FeedNeverGoesBackInTime(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	store := &stallingStore{Store: mem, listed: make(chan struct{}), release: make(chan struct{})}
	feed := diary.NewFeed()
	svc := NewDiaryService(store, mem, feed, WithClock(clock(start)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.CreateEntry(ctx, "u1", core.Book{WorkKey: "/w/1", Title: "One"}, "", core.StatusRead, time.UTC)
		assert.NoError(t, err)
	}()
	<-store.listed

	go func() {
		defer wg.Done()
		_, err := svc.CreateEntry(ctx, "u1", core.Book{WorkKey: "/w/2", Title: "Two"}, "", core.StatusRead, time.UTC)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		stored, _ := mem.List(ctx, "u1")
		return len(stored) == 2
	}, time.Second, 5*time.Millisecond)

	close(store.release)
	wg.Wait()

	latest, ok := feed.Latest("u1")
	require.True(t, ok)
	assert.Len(t, latest, 2)
}

func TestSubscribe_RereadsStoreEachTime(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	_, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)
	require.NoError(t, err)

	// Written by another process sharing the database.
	_, err = store.Create(ctx, "u1", core.DiaryEntry{WorkKey: "/works/OL2W", Title: "Emma", Status: core.StatusTBR})
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case first := <-sub.C:
		assert.Len(t, first, 2)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	for _, e := range []core.DiaryEntry{
		{WorkKey: "w1", Title: "A", Author: "Le Guin", Status: core.StatusRead, CreatedAt: ptr(time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC))},
		{WorkKey: "w2", Title: "B", Author: "Le Guin", Status: core.StatusRead, CreatedAt: ptr(time.Date(2023, 1, 20, 0, 0, 0, 0, time.UTC))},
		{WorkKey: "w3", Title: "C", Author: "Butler", Status: core.StatusRead, CreatedAt: ptr(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))},
		{WorkKey: "w4", Title: "D", Author: "Butler", Status: core.StatusTBR},
	} {
		_, err := store.Create(ctx, "u1", e)
		require.NoError(t, err)
	}

	all, err := svc.Stats(ctx, "u1", "", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, core.ScopeAll, all.Scope)
	assert.Equal(t, []string{"2024", "2023"}, all.Years)
	assert.Equal(t, 3, all.TotalBooks)
	assert.Equal(t, "1.50", all.AveragePerMonth)
	assert.Equal(t, []core.Bar{{Label: "2024", Value: 1}, {Label: "2023", Value: 2}}, all.Bars)
	assert.Equal(t, "Le Guin", all.TopAuthors[0].Author)
	assert.Empty(t, all.FirstLast)

	y2023, err := svc.Stats(ctx, "u1", "2023", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2, y2023.TotalBooks)
	assert.Equal(t, "2.00", y2023.AveragePerMonth)
	assert.Len(t, y2023.Bars, 12)
	require.Len(t, y2023.FirstLast, 1)
	assert.Equal(t, "A", y2023.FirstLast[0].First.Title)
	assert.Equal(t, "B", y2023.FirstLast[0].Last.Title)

	empty, err := svc.Stats(ctx, "nobody", core.ScopeAll, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalBooks)
	assert.Equal(t, "0", empty.AveragePerMonth)
	assert.NotNil(t, empty.Years)
}

func TestReadDatesFollowPreferences(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	for _, d := range []int{3, 1, 2} {
		_, err := store.Create(ctx, "u1", core.DiaryEntry{
			WorkKey: "w", Title: "T", Status: core.StatusRead,
			CreatedAt: ptr(time.Date(2022, time.Month(d), 1, 0, 0, 0, 0, time.UTC)),
		})
		require.NoError(t, err)
	}

	first, err := svc.ReadDates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, time.January, first["w"].Month())

	_, err = svc.UpdatePreferences(ctx, "u1", core.Preferences{Reread: core.RereadDisallow, DateMode: core.DateModeLatest})
	require.NoError(t, err)
	latest, err := svc.ReadDates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, time.March, latest["w"].Month())
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	p, err := svc.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultPreferences(), p)

	_, err = svc.UpdatePreferences(ctx, "u1", core.Preferences{Reread: "sometimes", DateMode: core.DateModeFirst})
	assert.Error(t, err)

	_, err = svc.UpdatePreferences(ctx, "u1", core.Preferences{Reread: core.RereadAllow, DateMode: core.DateModeLatest})
	require.NoError(t, err)
	v, ok, err := store.GetSetting(ctx, "u1", core.SettingAllowRereads)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	p, err = svc.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.Preferences{Reread: core.RereadAllow, DateMode: core.DateModeLatest}, p)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	_, err := svc.CreateEntry(ctx, "u1", dune(), "spice, \"sand\"", core.StatusRead, time.UTC)
	require.NoError(t, err)
	_, err = svc.CreateEntry(ctx, "u1", core.Book{WorkKey: "/works/OL2W", Title: "Emma"}, "", core.StatusPaused, time.UTC)
	require.NoError(t, err)

	var sb strings.Builder
	name, err := svc.ExportCSV(ctx, "u1", &sb)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "booklog-2024-03-"))
	assert.True(t, strings.HasSuffix(name, ".csv"))

	report, err := svc.ImportCSV(ctx, "u2", sb.String())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Empty(t, report.Warnings)
	assert.Empty(t, report.Failures)

	imported, err := svc.ListEntries(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.Equal(t, "Dune", imported[0].Title)
	assert.Equal(t, `spice, "sand"`, imported[0].Notes)
	assert.Nil(t, imported[1].CreatedAt)
}

func TestImportCSV_NoGuardNoDedup(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newService(t, WithImportConcurrency(2))
	_, err := svc.CreateEntry(ctx, "u1", dune(), "", core.StatusRead, time.UTC)
	require.NoError(t, err)

	text := "workKey,title,status\n" +
		"/works/OL893415W,Dune,read\n" +
		"/works/OL893415W,Dune,read\n" +
		"/works/OL1W,Bad,finished\n" +
		"/works/OL3W,\"Broken\n"

	report, err := svc.ImportCSV(ctx, "u1", text)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Len(t, report.Warnings, 2)
	list, err := svc.ListEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Len(t, pub.created, 1, "imports are mirrored by the worker sweep, not by events")
}

type failingStore struct {
	*memory.Store
	failWork string
}

func (f failingStore) Create(ctx context.Context, userID string, e core.DiaryEntry) (string, error) {
	if e.WorkKey == f.failWork {
		return "", errors.New("disk full")
	}
	return f.Store.Create(ctx, userID, e)
}

func TestImportCSV_ReportsCreateFailures(t *testing.T) {
	mem := memory.New()
	svc := NewDiaryService(failingStore{Store: mem, failWork: "w2"}, mem, nil, WithClock(clock(start)))

	report, err := svc.ImportCSV(context.Background(), "u1", "workKey,title\nw1,One\nw2,Two\nw3,Three\n")

	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "w2", report.Failures[0].WorkKey)
	assert.Contains(t, report.Failures[0].Reason, "disk full")
}

func TestImportCSV_CancelledContext(t *testing.T) {
	svc, _, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.ImportCSV(ctx, "u1", "workKey,title\nw1,One\n")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Imported)
}

func ptr(t time.Time) *time.Time { return &t }
