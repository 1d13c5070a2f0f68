package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booklog/internal/auth"
	"booklog/internal/catalog"
	"booklog/internal/core"
	"booklog/internal/diary"
	"booklog/internal/diary/memory"
	"booklog/internal/middleware/ratelimit"
	"booklog/internal/services"
)

type fakeSearcher struct {
	mu      sync.Mutex
	books   []core.Book
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, q string) ([]core.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.books, f.err
}

type testEnv struct {
	srv      *Server
	searcher *fakeSearcher
	store    *memory.Store
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := memory.New()
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		start = start.Add(time.Hour)
		return start
	}
	feed := diary.NewFeed()
	t.Cleanup(feed.Close)
	svc := services.NewDiaryService(store, store, feed, services.WithClock(now))
	searcher := &fakeSearcher{}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000}
	}
	srv := NewServer(cfg, svc, searcher, auth.New(""), nil)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{srv: srv, searcher: searcher, store: store}
}

func (e *testEnv) do(t *testing.T, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" && strings.HasPrefix(strings.TrimSpace(body), "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(auth.DevUserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const duneJSON = `{"workKey":"/works/OL893415W","title":"Dune","author":"Frank Herbert","coverId":11481354,"notes":"spice","status":"read"}`

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "total_requests")
}

func TestAPI_RequiresUser(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/api/entries", "", "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestNotFoundIsJSON(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.searcher.books = []core.Book{{WorkKey: "/works/OL1W", Title: "Dune", Author: "Frank Herbert", CoverID: core.IntPtr(1)}}

	rec := env.do(t, http.MethodGet, "/api/search?q=dune+messiah", "u1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[searchResponse](t, rec)
	require.Len(t, got.Books, 1)
	assert.Equal(t, env.searcher.books[0], got.Books[0].Book)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/1-M.jpg", got.Books[0].CoverURL)
	assert.Equal(t, []string{"dune messiah"}, env.searcher.queries)
}

func TestSearch_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"rate limited", fmt.Errorf("search: %w", catalog.ErrRateLimited), http.StatusServiceUnavailable},
		{"upstream", fmt.Errorf("search: %w: status 500", catalog.ErrUpstream), http.StatusBadGateway},
		{"other", fmt.Errorf("dial tcp: refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.searcher.err = tt.err

			rec := env.do(t, http.MethodGet, "/api/search?q=x", "u1", "")

			assert.Equal(t, tt.code, rec.Code)
			body := decode[errorBody](t, rec)
			assert.NotEmpty(t, body.Error)
			assert.NotContains(t, body.Error, "dial tcp")
		})
	}
}

func TestCreateListDelete(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/api/entries", "u1", duneJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[services.CreateResult](t, rec)
	require.True(t, created.Created)
	require.NotNil(t, created.Entry)
	assert.Equal(t, "Dune", created.Entry.Title)
	assert.NotNil(t, created.Entry.CreatedAt)

	rec = env.do(t, http.MethodGet, "/api/entries", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[entriesResponse](t, rec)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, created.Entry.ID, list.Entries[0].ID)

	rec = env.do(t, http.MethodGet, "/api/entries", "u2", "")
	assert.Empty(t, decode[entriesResponse](t, rec).Entries)

	rec = env.do(t, http.MethodDelete, "/api/entries/"+created.Entry.ID, "u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/entries/"+created.Entry.ID, "u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/entries/"+created.Entry.ID, "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreate_RereadRefused(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/entries", "u1", duneJSON).Code)

	rec := env.do(t, http.MethodPost, "/api/entries", "u1", duneJSON)

	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[services.CreateResult](t, rec)
	assert.False(t, res.Created)
	assert.Nil(t, res.Entry)
	assert.Equal(t, "This book is already in your diary. You first read it on 10 March 2024. Your settings are set to not allow rereads.", res.Message)
}

func TestCreate_UnknownTimeZone(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/api/entries?tz=Mars/Olympus", "u1", duneJSON)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreate_BadRequests(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"missing title", `{"workKey":"/works/OL1W","status":"read"}`, "title"},
		{"missing status", `{"workKey":"/works/OL1W","title":"T"}`, "status"},
		{"bad cover", `{"workKey":"/works/OL1W","title":"T","status":"read","coverId":-1}`, "coverId"},
		{"unknown status", `{"workKey":"/works/OL1W","title":"T","status":"finished"}`, ""},
		{"unknown field", `{"workKey":"/works/OL1W","title":"T","status":"read","rating":5}`, ""},
		{"not json", `{"workKey":`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			rec := env.do(t, http.MethodPost, "/api/entries", "u1", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[errorBody](t, rec)
			if tt.wantField != "" {
				assert.Contains(t, body.Fields, tt.wantField)
			}
		})
	}
}

func TestCreate_WrongContentType(t *testing.T) {
	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/entries", strings.NewReader(duneJSON))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(auth.DevUserHeader, "u1")
	rec := httptest.NewRecorder()
	env.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	// 2023-12-31T23:30Z is already January in Rome
	_, err := env.store.Create(context.Background(), "u1", core.DiaryEntry{
		WorkKey: "w1", Title: "A", Author: "X", Status: core.StatusRead,
		CreatedAt: func() *time.Time { t := time.Date(2023, 12, 31, 23, 30, 0, 0, time.UTC); return &t }(),
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/stats", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[services.StatsView](t, rec)
	assert.Equal(t, "all", all.Scope)
	assert.Equal(t, []string{"2023"}, all.Years)

	rec = env.do(t, http.MethodGet, "/api/stats?scope=2024&tz=Europe/Rome", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rome := decode[services.StatsView](t, rec)
	assert.Equal(t, 1, rome.TotalBooks)
	assert.Equal(t, 1, rome.Bars[0].Value)
	require.Len(t, rome.FirstLast, 1)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/stats?scope=last-year", "u1", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/stats?tz=Mars/Olympus", "u1", "").Code)
}

func TestSettingsAndReadDates(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/api/settings", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reread":"disallow","dateMode":"first"}`, rec.Body.String())

	rec = env.do(t, http.MethodPut, "/api/settings", "u1", `{"reread":"sometimes","dateMode":"first"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Fields, "reread")

	rec = env.do(t, http.MethodPut, "/api/settings", "u1", `{"reread":"allow","dateMode":"latest"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reread":"allow","dateMode":"latest"}`, rec.Body.String())

	for range 2 {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/entries", "u1", duneJSON).Code)
	}

	rec = env.do(t, http.MethodGet, "/api/read-dates", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dates := decode[readDatesResponse](t, rec)
	got, ok := dates.ReadDates["/works/OL893415W"]
	require.True(t, ok)
	assert.Equal(t, 14, got.Hour(), "latest mode picks the second entry")
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/entries", "u1", duneJSON).Code)

	rec := env.do(t, http.MethodGet, "/api/export", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Regexp(t, `^attachment; filename=booklog-2024-03-10\.csv$`, rec.Header().Get("Content-Disposition"))
	csvText := rec.Body.String()
	assert.True(t, strings.HasPrefix(csvText, `"workKey","title",`), csvText)

	rec = env.do(t, http.MethodPost, "/api/import", "u2", csvText)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[services.ImportReport](t, rec)
	assert.Equal(t, 1, report.Imported)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "diary.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte(csvText + "/works/x,\"broken\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(auth.DevUserHeader, "u3")
	rec = httptest.NewRecorder()
	env.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report = decode[services.ImportReport](t, rec)
	assert.Equal(t, 1, report.Imported)
	assert.Len(t, report.Warnings, 1)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/import", "u1", "  \n").Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: ratelimit.Config{RequestsPerSecond: 0.5, Burst: 1}})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/entries", "u1", "").Code)
	rec := env.do(t, http.MethodGet, "/api/entries", "u1", "")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"https://booklog.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/entries", nil)
	req.Header.Set("Origin", "https://booklog.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rec := httptest.NewRecorder()

	env.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://booklog.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, Config{Heartbeat: time.Hour})
	ts := httptest.NewServer(env.srv.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/entries/stream", nil)
	require.NoError(t, err)
	req.Header.Set(auth.DevUserHeader, "u1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	event, data := readEvent(t, rd)
	assert.Equal(t, eventSnapshot, event)
	assert.JSONEq(t, `{"entries":[]}`, data)

	post, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/entries", strings.NewReader(duneJSON))
	require.NoError(t, err)
	post.Header.Set("Content-Type", "application/json")
	post.Header.Set(auth.DevUserHeader, "u1")
	presp, err := ts.Client().Do(post)
	require.NoError(t, err)
	presp.Body.Close()
	require.Equal(t, http.StatusCreated, presp.StatusCode)

	event, data = readEvent(t, rd)
	assert.Equal(t, eventSnapshot, event)
	var snap snapshotEvent
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "Dune", snap.Entries[0].Title)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ValidationError{Fields: map[string]string{"x": "is required"}}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", core.ErrInvalidStatus), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", diary.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", auth.ErrUnauthorized), http.StatusUnauthorized},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestValidationError_Message(t *testing.T) {
	err := newValidator().Validate(settingsRequest{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "validation failed: dateMode is required; reread is required", verr.Error())
}
