package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"booklog/internal/core"
)

const (
	maxJSONBytes   = 64 << 10
	maxImportBytes = 8 << 20
)

type createEntryRequest struct {
	WorkKey          string `json:"workKey" validate:"required,max=200"`
	Title            string `json:"title" validate:"required,max=500"`
	Author           string `json:"author" validate:"max=500"`
	CoverID          *int   `json:"coverId" validate:"omitempty,gt=0"`
	FirstPublishYear *int   `json:"firstPublishYear"`
	Notes            string `json:"notes" validate:"max=10000"`
	Status           string `json:"status" validate:"required"`
}

func (r createEntryRequest) book() core.Book {
	return core.Book{
		WorkKey:          r.WorkKey,
		Title:            r.Title,
		Author:           r.Author,
		CoverID:          r.CoverID,
		FirstPublishYear: r.FirstPublishYear,
	}
}

type settingsRequest struct {
	Reread   string `json:"reread" validate:"required,oneof=allow disallow"`
	DateMode string `json:"dateMode" validate:"required,oneof=first latest"`
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return fmt.Errorf("%w: content type must be application/json", errBadRequest)
		}
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: body must contain a single JSON object", errBadRequest)
	}
	return nil
}

// parseScope accepts "all" or a four digit year. Empty means all.
func parseScope(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == core.ScopeAll {
		return core.ScopeAll, nil
	}
	if len(raw) == 4 {
		if _, err := strconv.Atoi(raw); err == nil {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%w: scope must be %q or a year", errBadRequest, core.ScopeAll)
}

// parseLocation resolves an IANA zone name. Empty means UTC.
func parseLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown time zone %q", errBadRequest, name)
	}
	return loc, nil
}

// readImportBody returns the CSV text from a multipart "file" field or the raw body.
func readImportBody(r *http.Request) (string, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var src io.Reader = r.Body
	if mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxImportBytes); err != nil {
			return "", fmt.Errorf("%w: invalid multipart form: %v", errBadRequest, err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return "", fmt.Errorf("%w: missing file field", errBadRequest)
		}
		defer f.Close()
		src = f
	}

	data, err := io.ReadAll(io.LimitReader(src, maxImportBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", fmt.Errorf("%w: file too large", errBadRequest)
		}
		return "", fmt.Errorf("read import body: %w", err)
	}
	if len(data) > maxImportBytes {
		return "", fmt.Errorf("%w: file too large", errBadRequest)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: empty CSV", errBadRequest)
	}
	return string(data), nil
}
