// Package store defines how the engine remembers which documents it has already downloaded.
package store

import (
	"context"
	"errors"
	"time"
)

// SeenMetadata is what gets recorded alongside a seen document.
type SeenMetadata struct {
	RequestID string
	FileName  string
	SourceURL string
	LocalPath string
	Size      int64
	// SHA256 is the hex digest of the downloaded bytes.
	SHA256 string
	// Pages is 0 when the page count is unknown.
	Pages        int
	DownloadedAt time.Time
}

// SeenEntry is a persisted seen document.
type SeenEntry struct {
	PortalID   string
	DocumentID string
	SeenMetadata
}

// Store is the minimum a persistence backend must provide. Both operations must be atomic and
// durable once they return.
type Store interface {
	HasSeen(ctx context.Context, portalID, documentID string) (bool, error)
	// MarkSeen records a document as downloaded. Marking an already seen document is a no-op
	// that keeps the first entry.
	MarkSeen(ctx context.Context, portalID, documentID string, meta SeenMetadata) error
}

// Run is the record of a single scrape of a single portal.
type Run struct {
	ID         string
	PortalID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Downloaded int
	Errors     int
}

// RunRecorder is implemented by stores that keep a history of scrape runs.
type RunRecorder interface {
	BeginRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
}

// PortalStats is a per portal aggregate of seen documents.
type PortalStats struct {
	PortalID   string
	Documents  int
	TotalBytes int64
	// LastRun is nil if the store does not record runs or the portal has never been scraped.
	LastRun *Run
}

// Ledger is implemented by stores that can be inspected and edited outside of a run.
type Ledger interface {
	Stats(ctx context.Context) ([]PortalStats, error)
	// ListSeen lists the entries of a portal, an empty portalID lists every portal.
	ListSeen(ctx context.Context, portalID string) ([]SeenEntry, error)
	// Forget removes entries and returns the amount that existed.
	Forget(ctx context.Context, portalID string, documentIDs ...string) (int, error)
}

var ErrUnsupported = errors.New("operation not supported by this store")
