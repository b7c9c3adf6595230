package crawler

import (
	"context"
	"io"
	"time"
)

// Transport performs a single GET and returns the response body.
// Non-2xx responses must be reported as errors.
type Transport interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// PageFetcher retrieves page content for one URL, retrying as configured.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (content string, attempts int, err error)
}

// Gate bounds the number of fetches in flight.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// Waiter delays a request until a politeness budget allows it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// SnapshotStore persists the records extracted during a run.
type SnapshotStore interface {
	SaveSnapshots(ctx context.Context, snapshots []Snapshot) error
	Close()
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

// Hasher computes digests used to name archived pages.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
