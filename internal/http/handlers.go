package http

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"booklog/internal/auth"
	"booklog/internal/core"
	applog "booklog/internal/log"
)

type (
	bookView struct {
		core.Book
		CoverURL string `json:"coverUrl"`
	}

	searchResponse struct {
		Books []bookView `json:"books"`
	}

	entriesResponse struct {
		Entries []core.DiaryEntry `json:"entries"`
	}

	readDatesResponse struct {
		ReadDates core.ReadMap `json:"readDates"`
	}
)

func userFrom(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) > 200 {
		writeError(w, r, fmt.Errorf("%w: query too long", errBadRequest))
		return
	}
	books, err := s.catalog.Search(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]bookView, 0, len(books))
	for _, b := range books {
		views = append(views, bookView{Book: b, CoverURL: core.CoverURL(b.CoverID, "M")})
	}
	writeJSON(w, http.StatusOK, searchResponse{Books: views})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.diary.ListEntries(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: entries})
}

// handleCreateEntry answers 201 when the entry was stored and 200 with
// created=false when the reread guard refused it.
func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Validate(req); err != nil {
		writeError(w, r, err)
		return
	}
	status, err := core.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	loc, err := parseLocation(r.URL.Query().Get("tz"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.diary.CreateEntry(r.Context(), userFrom(r), req.book(), req.Notes, status, loc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.diary.DeleteEntry(r.Context(), userFrom(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	loc, err := parseLocation(r.URL.Query().Get("tz"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := s.diary.Stats(r.Context(), userFrom(r), scope, loc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReadDates(w http.ResponseWriter, r *http.Request) {
	dates, err := s.diary.ReadDates(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dates == nil {
		dates = core.ReadMap{}
	}
	writeJSON(w, http.StatusOK, readDatesResponse{ReadDates: dates})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.diary.Preferences(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Validate(req); err != nil {
		writeError(w, r, err)
		return
	}
	prefs, err := s.diary.UpdatePreferences(r.Context(), userFrom(r), core.Preferences{
		Reread:   core.RereadPolicy(req.Reread),
		DateMode: core.DateMode(req.DateMode),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	name, err := s.diary.ExportCSV(r.Context(), userFrom(r), &buf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Export write failed", applog.FieldError, err)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	text, err := readImportBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.diary.ImportCSV(r.Context(), userFrom(r), text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
