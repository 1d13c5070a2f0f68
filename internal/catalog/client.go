// Package catalog searches the Open Library catalog for works to log.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"booklog/internal/cache"
	"booklog/internal/core"
	"booklog/internal/middleware/ratelimit"
)

const (
	DefaultBaseURL = "https://openlibrary.org"

	// Open Library asks for modest traffic; one bucket is shared by all users.
	defaultRPS   = 2.0
	defaultBurst = 5

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
	limiterKey     = "openlibrary"
)

var (
	ErrRateLimited = errors.New("catalog: rate limited by upstream")
	ErrUpstream    = errors.New("catalog: upstream error")
)

// Searcher is what handlers need from the catalog.
type Searcher interface {
	Search(ctx context.Context, text string) ([]core.Book, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	cache   cache.Cache[[]core.Book]
	logger  *slog.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithCache stores results by normalized query.
func WithCache(cc cache.Cache[[]core.Book]) Option {
	return func(c *Client) { c.cache = cc }
}

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter.Stop()
		c.limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: rps, Burst: burst})
	}
}

func New(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: defaultRPS, Burst: defaultBurst}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Close() {
	c.limiter.Stop()
}

// Search queries Open Library. Works without a cover are left out. An empty
// query returns no results without contacting the upstream.
func (c *Client) Search(ctx context.Context, text string) ([]core.Book, error) {
	key := normalize(text)
	if key == "" {
		return []core.Book{}, nil
	}

	if c.cache != nil {
		if books, ok := c.cache.Get(ctx, key); ok {
			return books, nil
		}
	}

	body, err := c.doRequest(ctx, "/search.json", url.Values{"q": {strings.TrimSpace(text)}})
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %v", ErrUpstream, err)
	}

	books := toBooks(resp.Docs)
	if c.cache != nil {
		c.cache.Set(ctx, key, books)
	}

	c.logger.DebugContext(ctx, "Catalog search completed",
		"query", key,
		"docs", len(resp.Docs),
		"results", len(books))
	return books, nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx, limiterKey); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "booklog/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		c.logger.WarnContext(ctx, "Catalog returned unexpected status", "status", resp.StatusCode, "path", path)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
}

func normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

type searchResponse struct {
	NumFound int       `json:"numFound"`
	Docs     []rawWork `json:"docs"`
}

type rawWork struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	CoverI           *int     `json:"cover_i"`
	FirstPublishYear *int     `json:"first_publish_year"`
}

func toBooks(docs []rawWork) []core.Book {
	books := make([]core.Book, 0, len(docs))
	for _, d := range docs {
		if d.CoverI == nil || d.Key == "" {
			continue
		}
		author := core.UnknownAuthor
		if len(d.AuthorName) > 0 && strings.TrimSpace(d.AuthorName[0]) != "" {
			author = d.AuthorName[0]
		}
		books = append(books, core.Book{
			WorkKey:          d.Key,
			Title:            d.Title,
			Author:           author,
			CoverID:          d.CoverI,
			FirstPublishYear: d.FirstPublishYear,
		})
	}
	return books
}
