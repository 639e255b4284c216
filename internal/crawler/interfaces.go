package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher returns decoded page text for a URL.
type PageFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// MediaFetcher opens a streaming body for a resource URL.
type MediaFetcher interface {
	Stream(ctx context.Context, url string) (io.ReadCloser, error)
}

// MediaStore persists a media stream under a path relative to its root.
type MediaStore interface {
	Put(ctx context.Context, relPath string, r io.Reader) (string, error)
}

// UpdateFunc receives per-record progress from the materialization stage.
type UpdateFunc func(ctx context.Context, update MediaUpdate) error

// RecordSink persists harvested records.
type RecordSink interface {
	CreateRecords(ctx context.Context, records []StoredRecord) ([]int64, error)
	FindRecordsNeedingMedia(ctx context.Context) ([]StoredRecord, error)
	UpdateMedia(ctx context.Context, update MediaUpdate) error
	Query(ctx context.Context, category string, page, size int) ([]StoredRecord, error)
}

// RetryPolicy decides whether a failed attempt is re-enqueued.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
