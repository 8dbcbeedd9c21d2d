// Package snapshot maintains the current-state row of each posting and its
// append-only version history.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/metrics"
)

// Repository is the persistence surface the Store needs.
type Repository interface {
	FindOpen(ctx context.Context, url, canonicalURL, urlHash string) (crawler.JobPosting, error)
	Insert(ctx context.Context, posting crawler.JobPosting) error
	Update(ctx context.Context, posting crawler.JobPosting) error
	AppendVersion(ctx context.Context, version crawler.PostingVersion) error
	MarkSnapshotted(ctx context.Context, postingID string) error
	CloseByURL(ctx context.Context, urlOrHash string, at time.Time) (bool, error)
}

// Event types published on posting changes.
const (
	EventCreated = "posting.created"
	EventUpdated = "posting.updated"
	EventClosed  = "posting.closed"
)

// Event is the payload published for every posting state change.
type Event struct {
	Type       string              `json:"type"`
	Posting    *crawler.JobPosting `json:"posting,omitempty"`
	URLOrHash  string              `json:"url_or_hash,omitempty"`
	ArchiveURI string              `json:"archive_uri,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// EventType returns the event type; publishers use it as a message attribute.
func (e Event) EventType() string { return e.Type }

// Result describes what Upsert did.
type Result struct {
	Outcome  crawler.Outcome
	Posting  crawler.JobPosting
	Versions int
}

// Store implements upsert and close over a Repository.
type Store struct {
	repo      Repository
	ids       crawler.IDGenerator
	clock     crawler.Clock
	archive   crawler.BlobStore
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithArchive stores the HTML of every new version in blobs.
func WithArchive(blobs crawler.BlobStore) Option {
	return func(s *Store) { s.archive = blobs }
}

// WithPublisher publishes an Event to topic on every state change.
func WithPublisher(pub crawler.Publisher, topic string) Option {
	return func(s *Store) {
		s.publisher = pub
		s.topic = topic
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Store.
func New(repo Repository, ids crawler.IDGenerator, clock crawler.Clock, opts ...Option) *Store {
	s := &Store{repo: repo, ids: ids, clock: clock, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert records an observation of posting whose body hashed to htmlHash.
//
// Only open rows are matched, so a posting that was closed comes back as a new
// record. A URL hash collision on insert means a concurrent writer won; that
// is reported as crawler.OutcomeDuplicate with a nil error.
func (s *Store) Upsert(ctx context.Context, posting crawler.JobPosting, html []byte, htmlHash string) (Result, error) {
	now := s.clock.Now()
	existing, err := s.repo.FindOpen(ctx, posting.URL, posting.CanonicalURL, posting.URLHash)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return s.insert(ctx, posting, html, htmlHash, now)
	case err != nil:
		return Result{Outcome: crawler.OutcomeFailed}, fmt.Errorf("find posting: %w", err)
	}

	res := Result{Outcome: crawler.OutcomeUnchanged}
	if !existing.InitialSnapshotDone {
		backfill := crawler.PostingVersion{
			JobPostingID: existing.ID,
			HTMLHash:     existing.HTMLHash,
			JobTitle:     existing.JobTitle,
			Location:     existing.Location,
			SnapshotAt:   existing.LastSeenAt,
		}
		if err := s.appendVersion(ctx, &backfill, "backfill"); err != nil {
			return Result{Outcome: crawler.OutcomeFailed}, err
		}
		if err := s.repo.MarkSnapshotted(ctx, existing.ID); err != nil {
			return Result{Outcome: crawler.OutcomeFailed}, fmt.Errorf("mark snapshotted: %w", err)
		}
		existing.InitialSnapshotDone = true
		res.Versions++
	}

	merged := merge(existing, posting, now)
	var archiveURI string
	if existing.HTMLHash != htmlHash {
		merged.HTMLHash = htmlHash
		version := crawler.PostingVersion{
			JobPostingID: existing.ID,
			HTMLHash:     htmlHash,
			JobTitle:     merged.JobTitle,
			Location:     merged.Location,
			SnapshotAt:   now,
			ArchiveURI:   s.archiveHTML(ctx, existing.ID, htmlHash, html),
		}
		if err := s.appendVersion(ctx, &version, "change"); err != nil {
			return Result{Outcome: crawler.OutcomeFailed}, err
		}
		archiveURI = version.ArchiveURI
		res.Versions++
		res.Outcome = crawler.OutcomeUpdated
	}

	if err := s.repo.Update(ctx, merged); err != nil {
		return Result{Outcome: crawler.OutcomeFailed}, fmt.Errorf("update posting: %w", err)
	}
	res.Posting = merged
	if res.Outcome == crawler.OutcomeUpdated {
		s.publish(ctx, Event{Type: EventUpdated, Posting: &merged, ArchiveURI: archiveURI, OccurredAt: now})
	}
	return res, nil
}

func (s *Store) insert(ctx context.Context, posting crawler.JobPosting, html []byte, htmlHash string, now time.Time) (Result, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Result{Outcome: crawler.OutcomeFailed}, fmt.Errorf("posting id: %w", err)
	}
	posting.ID = id
	posting.HTMLHash = htmlHash
	posting.Status = crawler.StatusOpen
	posting.DiscoveredAt = now
	posting.LastSeenAt = now
	posting.InitialSnapshotDone = false

	if err := s.repo.Insert(ctx, posting); err != nil {
		if errors.Is(err, crawler.ErrDuplicate) {
			s.logger.Info("duplicate detected late",
				zap.String("url", posting.URL),
				zap.String("url_hash", posting.URLHash))
			return Result{Outcome: crawler.OutcomeDuplicate}, nil
		}
		return Result{Outcome: crawler.OutcomeFailed}, fmt.Errorf("insert posting: %w", err)
	}

	version := crawler.PostingVersion{
		JobPostingID: id,
		HTMLHash:     htmlHash,
		JobTitle:     posting.JobTitle,
		Location:     posting.Location,
		SnapshotAt:   now,
		ArchiveURI:   s.archiveHTML(ctx, id, htmlHash, html),
	}
	if err := s.appendVersion(ctx, &version, "initial"); err != nil {
		return Result{Outcome: crawler.OutcomeFailed, Posting: posting}, err
	}
	if err := s.repo.MarkSnapshotted(ctx, id); err != nil {
		return Result{Outcome: crawler.OutcomeFailed, Posting: posting}, fmt.Errorf("mark snapshotted: %w", err)
	}
	posting.InitialSnapshotDone = true

	s.publish(ctx, Event{Type: EventCreated, Posting: &posting, ArchiveURI: version.ArchiveURI, OccurredAt: now})
	return Result{Outcome: crawler.OutcomeCreated, Posting: posting, Versions: 1}, nil
}

// MarkClosed closes the open posting matching urlOrHash. It reports whether a
// row changed; unknown and already closed postings are left alone.
func (s *Store) MarkClosed(ctx context.Context, urlOrHash string) (bool, error) {
	now := s.clock.Now()
	changed, err := s.repo.CloseByURL(ctx, urlOrHash, now)
	if err != nil {
		return false, fmt.Errorf("close posting: %w", err)
	}
	if changed {
		s.publish(ctx, Event{Type: EventClosed, URLOrHash: urlOrHash, OccurredAt: now})
	}
	return changed, nil
}

func (s *Store) appendVersion(ctx context.Context, v *crawler.PostingVersion, reason string) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("version id: %w", err)
	}
	v.ID = id
	if err := s.repo.AppendVersion(ctx, *v); err != nil {
		return fmt.Errorf("append version: %w", err)
	}
	metrics.ObserveVersion(reason)
	return nil
}

// archiveHTML is best-effort; a failed write leaves the version without a URI.
func (s *Store) archiveHTML(ctx context.Context, postingID, htmlHash string, html []byte) string {
	if s.archive == nil || len(html) == 0 {
		return ""
	}
	path := fmt.Sprintf("postings/%s/%s.html", postingID, htmlHash)
	uri, err := s.archive.PutObject(ctx, path, "text/html; charset=utf-8", html)
	if err != nil {
		s.logger.Warn("archive html failed", zap.String("posting_id", postingID), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Store) publish(ctx context.Context, evt Event) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
		s.logger.Warn("publish posting event failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

// merge applies a fresh observation onto the stored row. Fields that were not
// re-extracted keep their stored values.
func merge(stored, fresh crawler.JobPosting, now time.Time) crawler.JobPosting {
	out := stored
	out.Status = crawler.StatusOpen
	out.LastSeenAt = now
	if out.LastSeenAt.Before(out.DiscoveredAt) {
		out.LastSeenAt = out.DiscoveredAt
	}
	if fresh.JobID != nil {
		out.JobID = fresh.JobID
	}
	if fresh.Company != nil {
		out.Company = fresh.Company
	}
	if fresh.JobTitle != nil {
		out.JobTitle = fresh.JobTitle
	}
	if fresh.Location != nil {
		out.Location = fresh.Location
	}
	if fresh.PostingDate != nil {
		out.PostingDate = fresh.PostingDate
	}
	if fresh.JobFamily != "" && fresh.JobFamily != crawler.FamilyUnknown {
		out.JobFamily = fresh.JobFamily
	} else if out.JobFamily == "" || out.JobFamily == crawler.FamilyUnclassified {
		out.JobFamily = crawler.FamilyUnknown
	}
	if fresh.Source != "" {
		out.Source = fresh.Source
	}
	if fresh.SourceHostID != nil {
		out.SourceHostID = fresh.SourceHostID
	}
	return out
}
