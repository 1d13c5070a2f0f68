package sheets

import (
	"context"

	"booklog/internal/core"
)

// Ports for outbound adapters.
type (
	// DiaryMirror keeps a spreadsheet copy of every diary entry, one row each.
	DiaryMirror interface {
		// AppendEntry writes the entry's row unless it is already present.
		AppendEntry(ctx context.Context, e core.DiaryEntry) (rowRef string, err error)
		// DeleteEntry removes the row for entryID. A missing row is not an error.
		DeleteEntry(ctx context.Context, entryID string) error
	}
)
