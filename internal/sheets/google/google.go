package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"booklog/internal/core"
	ports "booklog/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

const DefaultSheetName = "Diary"

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string

	// Row deletes address rows by index, so writes are serialized.
	mu      sync.Mutex
	sheetID *int64
}

var _ ports.DiaryMirror = (*Client)(nil)

// NewFromEnv creates a Sheets client from environment variables.
// Required: GOOGLE_SPREADSHEET_ID and service account credentials.
// Optional: GOOGLE_SHEET_NAME (default "Diary").
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	return New(ctx, spreadsheetID, os.Getenv("GOOGLE_SHEET_NAME"))
}

func New(ctx context.Context, spreadsheetID, sheetName string, opts ...goption.ClientOption) (*Client, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}

	svc, err := newSheetsService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, spreadsheetID, sheetName), nil
}

// NewWithService wraps an existing service, e.g. one pointed at a test endpoint.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string) *Client {
	sheetName = strings.TrimSpace(sheetName)
	if sheetName == "" {
		sheetName = DefaultSheetName
	}
	return &Client{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}
}

// newSheetsService authenticates with a service account taken from
// GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS. Extra options replace the credential lookup.
func newSheetsService(ctx context.Context, opts ...goption.ClientOption) (*gsheet.Service, error) {
	if len(opts) > 0 {
		return gsheet.NewService(ctx, opts...)
	}

	credentialsJSON, source, err := loadServiceAccount()
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Creating Google Sheets service with Service Account",
		"source", source,
		"credentials_size", len(credentialsJSON),
		"scope", gsheet.SpreadsheetsScope)

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

func loadServiceAccount() ([]byte, string, error) {
	if inline := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")); inline != "" {
		return []byte(inline), "GOOGLE_SERVICE_ACCOUNT_JSON", nil
	}

	path := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	source := "GOOGLE_SERVICE_ACCOUNT_FILE"
	if path == "" {
		path = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
		source = "GOOGLE_APPLICATION_CREDENTIALS"
	}
	if path == "" {
		return nil, "", errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read service account file: %w", err)
	}
	return data, source, nil
}

func (c *Client) columnRange(cols string) string {
	return fmt.Sprintf("%s!%s", c.sheetName, cols)
}

func (c *Client) readIDs(ctx context.Context) ([][]any, error) {
	rng := c.columnRange("A:A")
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	return resp.Values, nil
}

// EnsureHeader writes the header row when the sheet is empty.
func (c *Client) EnsureHeader(ctx context.Context) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	values, err := c.readIDs(ctx)
	if err != nil {
		return err
	}
	if isHeader(values) {
		return nil
	}
	if len(values) > 0 {
		return fmt.Errorf("sheet %s has data but no %s header", c.sheetName, colEntryID)
	}

	rng := c.columnRange("A1:" + lastColumn() + "1")
	vr := &gsheet.ValueRange{Values: [][]any{headerRow()}}
	if _, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, vr).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return fmt.Errorf("write header to %s: %w", c.sheetName, err)
	}
	slog.InfoContext(ctx, "Diary sheet header written", "sheet", c.sheetName)
	return nil
}

// AppendEntry implements sheets.DiaryMirror
func (c *Client) AppendEntry(ctx context.Context, e core.DiaryEntry) (string, error) {
	if e.ID == "" {
		return "", errors.New("entry without id")
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	values, err := c.readIDs(ctx)
	if err != nil {
		return "", err
	}
	if idx := findRow(values, e.ID); idx >= 0 {
		row := idx + 1
		return c.columnRange(fmt.Sprintf("A%d:%s%d", row, lastColumn(), row)), nil
	}

	rng := c.columnRange("A:" + lastColumn())
	vr := &gsheet.ValueRange{Values: [][]any{entryRow(e)}}
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append row to %s: %w", c.sheetName, err)
	}

	ref := rng
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		ref = resp.Updates.UpdatedRange
	}
	return ref, nil
}

// DeleteEntry implements sheets.DiaryMirror
func (c *Client) DeleteEntry(ctx context.Context, entryID string) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	values, err := c.readIDs(ctx)
	if err != nil {
		return err
	}
	idx := findRow(values, entryID)
	if idx < 0 {
		slog.DebugContext(ctx, "Entry not present in sheet, nothing to delete", "entry_id", entryID)
		return nil
	}

	sheetID, err := c.resolveSheetID(ctx)
	if err != nil {
		return err
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			DeleteDimension: &gsheet.DeleteDimensionRequest{
				Range: &gsheet.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "ROWS",
					StartIndex: int64(idx),
					EndIndex:   int64(idx + 1),
				},
			},
		}},
	}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete row %d from %s: %w", idx+1, c.sheetName, err)
	}
	return nil
}

// resolveSheetID looks up the numeric id of the diary tab once.
func (c *Client) resolveSheetID(ctx context.Context) (int64, error) {
	if c.sheetID != nil {
		return *c.sheetID, nil
	}
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("read spreadsheet properties: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == c.sheetName {
			id := sh.Properties.SheetId
			c.sheetID = &id
			return id, nil
		}
	}
	return 0, fmt.Errorf("sheet %q not found in spreadsheet", c.sheetName)
}
