package crawler

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no stored row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing open posting
// on its URL hash.
var ErrDuplicate = errors.New("duplicate posting")

// PostingStore persists postings and their version history.
type PostingStore interface {
	// ExistsByURLOrHash reports whether any posting, open or closed, has the exact url or urlHash.
	ExistsByURLOrHash(ctx context.Context, url, urlHash string) (bool, error)
	// FindOpen returns the open posting matching url, canonicalURL or urlHash, or ErrNotFound.
	FindOpen(ctx context.Context, url, canonicalURL, urlHash string) (JobPosting, error)
	Insert(ctx context.Context, posting JobPosting) error
	Update(ctx context.Context, posting JobPosting) error
	AppendVersion(ctx context.Context, version PostingVersion) error
	// MarkSnapshotted sets InitialSnapshotDone on the posting.
	MarkSnapshotted(ctx context.Context, postingID string) error
	// CloseByURL marks the open posting matching urlOrHash closed. It reports whether a row changed.
	CloseByURL(ctx context.Context, urlOrHash string, at time.Time) (bool, error)
	ExistsByCompanyJobID(ctx context.Context, company, jobID, excludeID string) (bool, error)
	ExistsByCompanyTitleLocation(ctx context.Context, company, title, location string, since time.Time, excludeID string) (bool, error)
	// ListStale returns open postings for source last seen before the cutoff, oldest first.
	ListStale(ctx context.Context, source string, seenBefore time.Time, limit int) ([]JobPosting, error)
	ListVersions(ctx context.Context, postingID string) ([]PostingVersion, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes posting change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL. Non-2xx responses are returned, not treated as errors.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a page needs a headless render.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Discoverer finds candidate posting URLs. Implementations degrade to an empty
// result when they are not configured.
type Discoverer interface {
	Discover(ctx context.Context, query DiscoveryQuery) ([]Candidate, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces posting and version IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
