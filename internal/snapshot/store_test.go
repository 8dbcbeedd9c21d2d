package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	memorypub "github.com/JakeFAU/jobpost-crawler/internal/publisher/memory"
	"github.com/JakeFAU/jobpost-crawler/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func str(s string) *string { return &s }

func newPosting() crawler.JobPosting {
	return crawler.JobPosting{
		Source:       "greenhouse",
		URL:          "https://boards.example.io/acme/jobs/42?gh_jid=42&utm=foo",
		CanonicalURL: "https://boards.example.io/acme/jobs/42?gh_jid=42",
		URLHash:      "urlhash-42",
		JobID:        str("42"),
		Company:      str("Acme"),
		JobTitle:     str("Backend Engineer"),
		Location:     str("NYC"),
		JobFamily:    "Engineering",
	}
}

func newStore(t *testing.T, opts ...Option) (*Store, *memory.PostingStore) {
	t.Helper()
	repo := memory.NewPostingStore()
	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(repo, &seqIDs{}, clock, opts...), repo
}

func TestUpsertFirstObservationWritesOneVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	pub := memorypub.New()
	store, repo := newStore(t, WithArchive(blobs), WithPublisher(pub, "posting-events"))

	res, err := store.Upsert(ctx, newPosting(), []byte("<html>v1</html>"), "hash-1")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeCreated, res.Outcome)
	require.Equal(t, 1, res.Versions)

	postings := repo.Postings()
	require.Len(t, postings, 1)
	require.True(t, postings[0].InitialSnapshotDone)
	require.Equal(t, crawler.StatusOpen, postings[0].Status)
	require.Equal(t, postings[0].DiscoveredAt, postings[0].LastSeenAt)

	versions, err := repo.ListVersions(ctx, postings[0].ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "hash-1", versions[0].HTMLHash)
	require.Equal(t, "memory://postings/"+postings[0].ID+"/hash-1.html", versions[0].ArchiveURI)
	require.Equal(t, 1, blobs.Len())

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventCreated, msgs[0].Payload.(Event).Type)
}

func TestUpsertVersionOnChangeOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, repo := newStore(t)

	_, err := store.Upsert(ctx, newPosting(), nil, "hash-1")
	require.NoError(t, err)
	id := repo.Postings()[0].ID

	res, err := store.Upsert(ctx, newPosting(), nil, "hash-1")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeUnchanged, res.Outcome)
	require.Zero(t, res.Versions)

	changed := newPosting()
	changed.JobTitle = str("Senior Backend Engineer")
	res, err = store.Upsert(ctx, changed, nil, "hash-2")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeUpdated, res.Outcome)
	require.Equal(t, 1, res.Versions)

	versions, err := repo.ListVersions(ctx, id)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "hash-2", versions[1].HTMLHash)
	require.Equal(t, "Senior Backend Engineer", *versions[1].JobTitle)

	current := repo.Postings()[0]
	require.Equal(t, "hash-2", current.HTMLHash)
	require.Equal(t, "Senior Backend Engineer", *current.JobTitle)
	require.True(t, current.LastSeenAt.After(current.DiscoveredAt))
}

func TestUpsertUnchangedRefreshesMetadata(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, repo := newStore(t)
	_, err := store.Upsert(ctx, newPosting(), nil, "hash-1")
	require.NoError(t, err)

	again := newPosting()
	again.Location = str("New York, NY")
	again.JobTitle = nil
	res, err := store.Upsert(ctx, again, nil, "hash-1")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeUnchanged, res.Outcome)

	current := repo.Postings()[0]
	require.Equal(t, "New York, NY", *current.Location)
	require.Equal(t, "Backend Engineer", *current.JobTitle)
}

func TestUpsertBackfillsInitialSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, repo := newStore(t)

	legacy := newPosting()
	legacy.ID = "legacy"
	legacy.HTMLHash = "old-hash"
	legacy.Status = crawler.StatusOpen
	legacy.DiscoveredAt = time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	legacy.LastSeenAt = legacy.DiscoveredAt
	require.NoError(t, repo.Insert(ctx, legacy))

	res, err := store.Upsert(ctx, newPosting(), nil, "new-hash")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeUpdated, res.Outcome)
	require.Equal(t, 2, res.Versions)

	versions, err := repo.ListVersions(ctx, "legacy")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "old-hash", versions[0].HTMLHash)
	require.Equal(t, legacy.LastSeenAt, versions[0].SnapshotAt)
	require.Equal(t, "new-hash", versions[1].HTMLHash)
	require.True(t, repo.Postings()[0].InitialSnapshotDone)

	res, err = store.Upsert(ctx, newPosting(), nil, "new-hash")
	require.NoError(t, err)
	require.Zero(t, res.Versions)
}

func TestClosedPostingIsNeverReopened(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := memorypub.New()
	store, repo := newStore(t, WithPublisher(pub, "posting-events"))

	first, err := store.Upsert(ctx, newPosting(), nil, "hash-1")
	require.NoError(t, err)

	changed, err := store.MarkClosed(ctx, first.Posting.URLHash)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = store.MarkClosed(ctx, first.Posting.URLHash)
	require.NoError(t, err)
	require.False(t, changed)

	res, err := store.Upsert(ctx, newPosting(), nil, "hash-1")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeCreated, res.Outcome)
	require.NotEqual(t, first.Posting.ID, res.Posting.ID)

	postings := repo.Postings()
	require.Len(t, postings, 2)
	require.Equal(t, crawler.StatusClosed, postings[0].Status)
	require.Equal(t, crawler.StatusOpen, postings[1].Status)
	require.False(t, postings[0].LastSeenAt.Before(postings[0].DiscoveredAt))

	types := []string{}
	for _, m := range pub.Messages() {
		types = append(types, m.Payload.(Event).Type)
	}
	require.Equal(t, []string{EventCreated, EventClosed, EventCreated}, types)
}

// racingRepo hides the winning row from FindOpen so Insert hits the constraint.
type racingRepo struct {
	*memory.PostingStore
}

func (r racingRepo) FindOpen(context.Context, string, string, string) (crawler.JobPosting, error) {
	return crawler.JobPosting{}, crawler.ErrNotFound
}

func TestUpsertLateDuplicateIsNotAnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := racingRepo{memory.NewPostingStore()}
	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := New(repo, &seqIDs{}, clock)

	_, err := store.Upsert(ctx, newPosting(), nil, "hash-1")
	require.NoError(t, err)
	res, err := store.Upsert(ctx, newPosting(), nil, "hash-1")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDuplicate, res.Outcome)
	require.Len(t, repo.Postings(), 1)
}

type failingRepo struct {
	*memory.PostingStore
}

func (failingRepo) AppendVersion(context.Context, crawler.PostingVersion) error {
	return errors.New("disk full")
}

func TestUpsertPersistenceErrorSurfaces(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := New(failingRepo{memory.NewPostingStore()}, &seqIDs{}, clock)
	res, err := store.Upsert(context.Background(), newPosting(), nil, "hash-1")
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, crawler.OutcomeFailed, res.Outcome)
}

func TestArchiveFailureDoesNotFailUpsert(t *testing.T) {
	t.Parallel()

	store, repo := newStore(t, WithArchive(brokenBlobs{}))
	res, err := store.Upsert(context.Background(), newPosting(), []byte("<html/>"), "hash-1")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeCreated, res.Outcome)
	versions, err := repo.ListVersions(context.Background(), res.Posting.ID)
	require.NoError(t, err)
	require.Empty(t, versions[0].ArchiveURI)
}

type brokenBlobs struct{}

func (brokenBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket missing")
}
