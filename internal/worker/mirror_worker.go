package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"booklog/internal/amqp"
	"booklog/internal/core"
	"booklog/internal/diary"
	"booklog/internal/sheets"
)

// MirrorStore is the slice of the SQLite repository the worker needs.
type MirrorStore interface {
	GetByID(ctx context.Context, id string) (core.DiaryEntry, error)
	ListUnmirrored(ctx context.Context, limit int) ([]core.DiaryEntry, error)
	MarkMirrored(ctx context.Context, id string) error
}

// MirrorWorker copies diary entries from SQLite to the spreadsheet mirror.
type MirrorWorker struct {
	store     MirrorStore
	mirror    sheets.DiaryMirror
	batchSize int
}

func NewMirrorWorker(store MirrorStore, mirror sheets.DiaryMirror, batchSize int) *MirrorWorker {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &MirrorWorker{store: store, mirror: mirror, batchSize: batchSize}
}

// HandleMessage processes one diary event from AMQP.
func (w *MirrorWorker) HandleMessage(ctx context.Context, msg *amqp.Message) error {
	slog.InfoContext(ctx, "Processing diary event",
		"type", msg.Type,
		"entry_id", msg.EntryID,
		"user_id", msg.UserID)

	switch msg.Type {
	case amqp.TypeEntryCreated:
		entry, err := w.store.GetByID(ctx, msg.EntryID)
		if errors.Is(err, diary.ErrNotFound) {
			slog.InfoContext(ctx, "Entry deleted before it was mirrored, skipping", "entry_id", msg.EntryID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("get entry from storage: %w", err)
		}
		return w.mirrorEntry(ctx, entry)

	case amqp.TypeEntryDeleted:
		if err := w.mirror.DeleteEntry(ctx, msg.EntryID); err != nil {
			return fmt.Errorf("delete entry from sheet: %w", err)
		}
		slog.InfoContext(ctx, "Removed entry from sheet",
			"entry_id", msg.EntryID,
			"work_key", msg.WorkKey,
			"title", msg.Title)
		return nil

	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

// ProcessPending mirrors entries that never reached the sheet. This covers
// lost AMQP messages and entries created while the broker was down.
func (w *MirrorWorker) ProcessPending(ctx context.Context) error {
	_, _, err := w.sweep(ctx, w.batchSize)
	return err
}

// StartupSyncCheck runs a larger sweep when the worker starts.
func (w *MirrorWorker) StartupSyncCheck(ctx context.Context) error {
	synced, failed, err := w.sweep(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("startup sync check: %w", err)
	}
	if synced+failed == 0 {
		slog.InfoContext(ctx, "No unmirrored entries found on startup")
		return nil
	}
	slog.InfoContext(ctx, "Startup sync completed",
		"total", synced+failed,
		"synced", synced,
		"errors", failed)
	return nil
}

// RunPeriodic calls ProcessPending every interval until ctx is done.
func (w *MirrorWorker) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessPending(ctx); err != nil {
				slog.ErrorContext(ctx, "Periodic mirror sweep failed", "error", err)
			}
		}
	}
}

func (w *MirrorWorker) sweep(ctx context.Context, limit int) (synced, failed int, err error) {
	pending, err := w.store.ListUnmirrored(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list unmirrored entries: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	slog.InfoContext(ctx, "Mirroring pending entries", "count", len(pending))
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return synced, failed, err
		}
		if err := w.mirrorEntry(ctx, e); err != nil {
			slog.ErrorContext(ctx, "Failed to mirror entry", "entry_id", e.ID, "error", err)
			failed++
			continue
		}
		synced++
	}
	return synced, failed, nil
}

func (w *MirrorWorker) mirrorEntry(ctx context.Context, e core.DiaryEntry) error {
	ref, err := w.mirror.AppendEntry(ctx, e)
	if err != nil {
		return fmt.Errorf("append to sheet: %w", err)
	}

	if err := w.store.MarkMirrored(ctx, e.ID); err != nil {
		// The row exists; the next sweep finds it and re-marks without a duplicate.
		slog.ErrorContext(ctx, "Failed to mark entry mirrored", "entry_id", e.ID, "error", err)
	}

	slog.InfoContext(ctx, "Mirrored entry",
		"entry_id", e.ID,
		"user_id", e.UserID,
		"work_key", e.WorkKey,
		"sheets_ref", ref)
	return nil
}
