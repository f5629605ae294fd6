// Package watermark derives the next hour partition to ingest from the
// execution ledger. The watermark itself is never stored.
package watermark

import (
	"context"
	"fmt"
	"time"
)

// Partition is the width of one ingestion partition.
const Partition = time.Hour

// DefaultEpoch is the first partition ever fetched when the ledger holds no
// successful ingestion.
var DefaultEpoch = time.Date(2022, time.November, 24, 10, 0, 0, 0, time.UTC)

// Source reports the last hour fetched by a successful ingestion run.
type Source interface {
	LastSuccessfulFetchHour(ctx context.Context) (*time.Time, error)
}

// Cursor is a read-only view over the ledger.
type Cursor struct {
	source Source
	epoch  time.Time
}

// NewCursor builds a cursor. A zero epoch selects DefaultEpoch.
func NewCursor(source Source, epoch time.Time) *Cursor {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	return &Cursor{source: source, epoch: epoch.UTC().Truncate(Partition)}
}

// Epoch returns the partition used when no successful run exists.
func (c *Cursor) Epoch() time.Time { return c.epoch }

// NextPartition returns the last successful hour plus one partition, or the
// epoch when nothing has been ingested yet.
func (c *Cursor) NextPartition(ctx context.Context) (time.Time, error) {
	last, err := c.source.LastSuccessfulFetchHour(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to determine watermark: %w", err)
	}
	if last == nil {
		return c.epoch, nil
	}
	return last.UTC().Truncate(Partition).Add(Partition), nil
}
