package services

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"booklog/internal/diarycsv"
	applog "booklog/internal/log"
)

// ImportFailure is a decoded row the store refused.
type ImportFailure struct {
	WorkKey string `json:"workKey"`
	Title   string `json:"title"`
	Reason  string `json:"reason"`
}

// ImportReport summarizes an ImportCSV call.
type ImportReport struct {
	Imported int                `json:"imported"`
	Warnings []diarycsv.Warning `json:"warnings"`
	Failures []ImportFailure    `json:"failures"`
}

// ImportCSV decodes text and stores every decoded row. Rows are written
// concurrently with no ordering guarantee and no rollback; the reread guard
// does not apply and duplicates are kept. Only a cancelled context aborts
// the import.
func (s *DiaryService) ImportCSV(ctx context.Context, userID, text string) (ImportReport, error) {
	entries, warnings := diarycsv.Decode(text, s.now())
	report := ImportReport{
		Warnings: warnings,
		Failures: []ImportFailure{},
	}
	if report.Warnings == nil {
		report.Warnings = []diarycsv.Warning{}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.importConcurrency)

	for _, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.entries.Create(gctx, userID, e)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, ImportFailure{
					WorkKey: e.WorkKey,
					Title:   e.Title,
					Reason:  err.Error(),
				})
				return nil
			}
			report.Imported++
			return nil
		})
	}

	err := g.Wait()

	if report.Imported > 0 {
		s.publishSnapshot(ctx, userID)
	}

	s.logger.InfoContext(ctx, "Diary import finished",
		applog.FieldUserID, userID,
		applog.FieldOperation, applog.OpImport,
		"decoded", len(entries),
		"imported", report.Imported,
		"warnings", len(report.Warnings),
		"failures", len(report.Failures))

	if err != nil {
		return report, fmt.Errorf("import aborted: %w", err)
	}
	return report, nil
}
