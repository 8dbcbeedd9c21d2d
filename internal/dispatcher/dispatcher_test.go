package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/classify"
	"github.com/JakeFAU/jobpost-crawler/internal/cooldown"
	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/discovery"
	"github.com/JakeFAU/jobpost-crawler/internal/source"
	"github.com/JakeFAU/jobpost-crawler/internal/worker"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type fakeRunner struct {
	mu          sync.Mutex
	batches     []worker.Batch
	rateLimited map[string]int
	block       chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, b worker.Batch) crawler.BatchResult {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.batches = append(r.batches, b)
	limited := r.rateLimited[b.Strategy.Name()]
	r.mu.Unlock()
	res := crawler.BatchResult{Source: b.Strategy.Name(), Mode: b.Mode, Total: len(b.Candidates)}
	res.RateLimited = limited
	return res
}

func (r *fakeRunner) batchFor(name string) (worker.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if b.Strategy.Name() == name {
			return b, true
		}
	}
	return worker.Batch{}, false
}

type failingDiscoverer struct {
	partial []crawler.Candidate
}

func (f failingDiscoverer) Discover(context.Context, crawler.DiscoveryQuery) ([]crawler.Candidate, error) {
	return f.partial, errors.New("quota exceeded")
}

type recordingDiscoverer struct {
	mu      sync.Mutex
	queries []crawler.DiscoveryQuery
}

func (r *recordingDiscoverer) Discover(_ context.Context, q crawler.DiscoveryQuery) ([]crawler.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	return nil, nil
}

type stubStale struct {
	postings []crawler.JobPosting
	err      error
	cutoff   time.Time
	limit    int
}

func (s *stubStale) ListStale(_ context.Context, _ string, seenBefore time.Time, limit int) ([]crawler.JobPosting, error) {
	s.cutoff = seenBefore
	s.limit = limit
	return s.postings, s.err
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func compile(t *testing.T, name, domain string) *source.Strategy {
	t.Helper()
	s, err := source.Compile(name, source.Config{
		SearchDomain:   domain,
		DetailURLRegex: `^https://` + domain + `/([^/]+)/jobs/(\d+)`,
		Keywords:       []string{"remote"},
	})
	require.NoError(t, err)
	return s
}

func newDispatcher(t *testing.T, opts Options, cfg Config) *Dispatcher {
	t.Helper()
	if opts.Strategies == nil {
		opts.Strategies = []*source.Strategy{compile(t, "greenhouse", "boards.example.io")}
	}
	if opts.Clock == nil {
		opts.Clock = fixedClock{now: testNow}
	}
	if opts.IDs == nil {
		opts.IDs = &seqIDs{}
	}
	if opts.Discoverer == nil {
		opts.Discoverer = discovery.NewStatic(nil)
	}
	d, err := New(opts, cfg, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestNewRequiresSourcesAndRunner(t *testing.T) {
	_, err := New(Options{Runner: &fakeRunner{}}, Config{}, nil)
	require.ErrorIs(t, err, ErrNoSources)

	_, err = New(Options{Strategies: []*source.Strategy{compile(t, "a", "a.example.com")}}, Config{}, nil)
	require.Error(t, err)
}

func TestDiscoverFiltersCandidates(t *testing.T) {
	runner := &fakeRunner{}
	static := discovery.NewStatic(map[string][]crawler.Candidate{
		"greenhouse": {
			{Link: "https://boards.example.io/acme/jobs/1?utm_source=x", Title: "Backend Engineer"},
			{Link: "https://boards.example.io/acme/jobs/1", Title: "Backend Engineer"},
			{Link: "https://boards.example.io/acme/jobs/2", Title: "Account Executive"},
			{Link: "https://boards.example.io/acme/about", Title: "About"},
			{Link: "https://spam.example.io/acme/jobs/3", Title: "Spam"},
		},
	})
	d := newDispatcher(t, Options{
		Discoverer: static,
		Runner:     runner,
		Blocklist:  source.NewBlocklist([]string{"spam.example.io"}),
	}, Config{MaxResults: 10})

	summary, err := d.Run(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)
	require.Len(t, summary.Batches, 1)
	assert.Equal(t, "run-1", summary.ID)
	assert.Equal(t, crawler.ModeDiscover, summary.Mode)
	require.NotNil(t, summary.FinishedAt)

	batch, ok := runner.batchFor("greenhouse")
	require.True(t, ok)
	assert.Equal(t, crawler.ModeDiscover, batch.Mode)
	links := make([]string, 0, len(batch.Candidates))
	for _, c := range batch.Candidates {
		links = append(links, c.Link)
	}
	assert.Equal(t, []string{
		"https://boards.example.io/acme/jobs/1?utm_source=x",
		"https://boards.example.io/acme/jobs/2",
	}, links)
}

func TestDiscoverQueriesOncePerFamily(t *testing.T) {
	rec := &recordingDiscoverer{}
	d := newDispatcher(t, Options{
		Discoverer: rec,
		Runner:     &fakeRunner{},
		Families: []classify.Family{
			{Name: "engineering", Aliases: []string{"engineer"}},
			{Name: "sales", Aliases: []string{"account executive"}},
		},
	}, Config{Geography: "Chicago", Recency: 7 * 24 * time.Hour, MaxResults: 5})

	_, err := d.Run(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)
	require.Len(t, rec.queries, 2)
	q := rec.queries[0]
	assert.Equal(t, "greenhouse", q.Source)
	assert.Equal(t, "boards.example.io", q.Domain)
	assert.Equal(t, "engineering", q.Family)
	assert.Equal(t, []string{"engineer", "remote"}, q.Keywords)
	assert.Equal(t, "Chicago", q.Geography)
	assert.Equal(t, 5, q.MaxResults)
	assert.Equal(t, 7*24*time.Hour, q.Recency)
	assert.Equal(t, "sales", rec.queries[1].Family)
}

func TestDiscoverErrorBecomesWarning(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, Options{
		Discoverer:     failingDiscoverer{partial: []crawler.Candidate{{Link: "https://boards.example.io/acme/jobs/9"}}},
		Runner:         runner,
		SourceWarnings: []string{"source broken skipped: search_domain is required"},
	}, Config{})

	summary, err := d.Run(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)
	require.Len(t, summary.Warnings, 2)
	assert.Contains(t, summary.Warnings[0], "broken")
	assert.Contains(t, summary.Warnings[1], "quota exceeded")

	batch, ok := runner.batchFor("greenhouse")
	require.True(t, ok)
	assert.Len(t, batch.Candidates, 1)
}

func TestCooldownSkipsAndStarts(t *testing.T) {
	tracker := cooldown.NewMemory()
	runner := &fakeRunner{rateLimited: map[string]int{"greenhouse": 2}}
	static := discovery.NewStatic(map[string][]crawler.Candidate{
		"greenhouse": {{Link: "https://boards.example.io/acme/jobs/1"}},
	})
	d := newDispatcher(t, Options{Discoverer: static, Runner: runner, Cooldown: tracker}, Config{CooldownTTL: time.Hour})

	first, err := d.Run(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Batches[0].RateLimited)
	require.NotEmpty(t, first.Batches[0].Warnings)
	assert.Contains(t, first.Batches[0].Warnings[len(first.Batches[0].Warnings)-1], "cooling down")

	left, err := tracker.Remaining(context.Background(), "greenhouse")
	require.NoError(t, err)
	assert.Greater(t, left, time.Duration(0))

	second, err := d.Run(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)
	assert.Zero(t, second.Batches[0].Total)
	require.Len(t, second.Warnings, 1)
	assert.Contains(t, second.Warnings[0], "cooldown")
	assert.Len(t, runner.batches, 1)
}

func TestRefreshBuildsCandidatesFromStalePostings(t *testing.T) {
	title := "Backend Engineer"
	loc := "Remote"
	stale := &stubStale{postings: []crawler.JobPosting{
		{ID: "p2", URL: "https://boards.example.io/acme/jobs/2", LastSeenAt: testNow.Add(-48 * time.Hour), JobFamily: "sales"},
		{ID: "p1", URL: "https://boards.example.io/acme/jobs/1", JobTitle: &title, Location: &loc, JobFamily: "engineering", LastSeenAt: testNow.Add(-72 * time.Hour)},
	}}
	runner := &fakeRunner{}
	d := newDispatcher(t, Options{Runner: runner, Stale: stale}, Config{StaleAfter: 24 * time.Hour, RefreshLimit: 20})

	summary, err := d.Run(context.Background(), crawler.ModeRefresh)
	require.NoError(t, err)
	assert.Equal(t, crawler.ModeRefresh, summary.Mode)
	assert.Equal(t, testNow.Add(-24*time.Hour), stale.cutoff)
	assert.Equal(t, 20, stale.limit)

	batch, ok := runner.batchFor("greenhouse")
	require.True(t, ok)
	assert.Equal(t, crawler.ModeRefresh, batch.Mode)
	require.Len(t, batch.Candidates, 2)
	assert.Equal(t, crawler.Candidate{
		Link:      "https://boards.example.io/acme/jobs/1",
		Title:     title,
		Location:  loc,
		PostingID: "p1",
	}, batch.Candidates[0])
	assert.Empty(t, batch.Candidates[1].FamilyHint, "stored family is not a discovery hint")
	assert.Equal(t, "p2", batch.Candidates[1].PostingID)
}

func TestRefreshListErrorIsWarning(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, Options{Runner: runner, Stale: &stubStale{err: errors.New("db down")}}, Config{})

	summary, err := d.Run(context.Background(), crawler.ModeRefresh)
	require.NoError(t, err)
	require.Len(t, summary.Warnings, 1)
	assert.Contains(t, summary.Warnings[0], "db down")
	assert.Empty(t, runner.batches)
}

func TestStartRejectsConcurrentRunOfSameMode(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d := newDispatcher(t, Options{Runner: runner}, Config{})

	id, err := d.Start(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)

	_, err = d.Start(context.Background(), crawler.ModeDiscover)
	require.ErrorIs(t, err, ErrRunInProgress)

	running, ok := d.Get(id)
	require.True(t, ok)
	assert.Nil(t, running.FinishedAt)

	close(runner.block)
	d.Wait()

	done, ok := d.Get(id)
	require.True(t, ok)
	require.NotNil(t, done.FinishedAt)
	assert.Len(t, done.Batches, 1)

	_, err = d.Start(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)
	d.Wait()
	assert.Len(t, d.List(), 2)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	d := newDispatcher(t, Options{Runner: &fakeRunner{}}, Config{})
	_, err := d.Run(context.Background(), crawler.BatchMode("rebuild"))
	require.Error(t, err)
}

func TestRunsAcrossSourcesKeepOrder(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, Options{
		Runner: runner,
		Strategies: []*source.Strategy{
			compile(t, "alpha", "alpha.example.com"),
			compile(t, "beta", "beta.example.com"),
		},
	}, Config{})

	summary, err := d.Run(context.Background(), crawler.ModeDiscover)
	require.NoError(t, err)
	require.Len(t, summary.Batches, 2)
	assert.Equal(t, "alpha", summary.Batches[0].Source)
	assert.Equal(t, "beta", summary.Batches[1].Source)
	assert.Equal(t, []string{"alpha", "beta"}, d.Sources())
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(2)
	h.Put(crawler.RunSummary{ID: "a"})
	h.Put(crawler.RunSummary{ID: "b"})
	h.Put(crawler.RunSummary{ID: "a", Error: "updated"})
	h.Put(crawler.RunSummary{ID: "c"})

	_, ok := h.Get("a")
	assert.False(t, ok)
	list := h.List()
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
