// Package worker runs crawl batches: bounded-concurrency fetch, extract,
// dedup and persist pipelines, one per candidate URL.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/dedup"
	"github.com/JakeFAU/jobpost-crawler/internal/extract"
	"github.com/JakeFAU/jobpost-crawler/internal/metrics"
	"github.com/JakeFAU/jobpost-crawler/internal/snapshot"
	"github.com/JakeFAU/jobpost-crawler/internal/source"
)

// Pipeline stages reported in failures.
const (
	StageSchedule  = "schedule"
	StagePrefetch  = "prefetch"
	StageRateLimit = "rate_limit"
	StageFetch     = "fetch"
	StageStatus    = "status"
	StageHash      = "hash"
	StageDedup     = "dedup"
	StagePersist   = "persist"
	StagePanic     = "panic"
)

// Defaults applied by New.
const (
	DefaultConcurrency  = 8
	DefaultFetchTimeout = 20 * time.Second
	DefaultPenaltyPause = time.Minute
)

// PrefetchChecker answers the cheap exact-match check made before fetching.
type PrefetchChecker interface {
	ExistsByURLOrHash(ctx context.Context, url, urlHash string) (bool, error)
}

// Snapshotter persists postings.
type Snapshotter interface {
	Upsert(ctx context.Context, posting crawler.JobPosting, html []byte, htmlHash string) (snapshot.Result, error)
	MarkClosed(ctx context.Context, urlOrHash string) (bool, error)
}

// DuplicateChecker runs the content-level dedup tiers.
type DuplicateChecker interface {
	IsDuplicate(ctx context.Context, c dedup.Candidate) (bool, error)
}

// FamilyResolver picks the job family for a posting.
type FamilyResolver interface {
	Resolve(hint string, title *string) string
}

// HostLimiter paces fetches per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
	Penalize(rawURL string, pause time.Duration)
}

// Config controls Orchestrator behavior.
type Config struct {
	// Concurrency is the global in-flight limit shared by all batches.
	Concurrency  int
	FetchTimeout time.Duration
	// PenaltyPause is how long a host is paused after a 429 or 403.
	PenaltyPause time.Duration
}

// Deps are the collaborators of an Orchestrator. Headless, Detector and
// Limiter are optional.
type Deps struct {
	Prefetch  PrefetchChecker
	Snapshots Snapshotter
	Dedup     DuplicateChecker
	Families  FamilyResolver
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Limiter   HostLimiter
	Hasher    crawler.Hasher
}

// Batch is one source's candidates for a run.
type Batch struct {
	Strategy   *source.Strategy
	Mode       crawler.BatchMode
	Candidates []crawler.Candidate
}

// Orchestrator executes batches.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Prefetch == nil:
		return nil, errors.New("prefetch checker is required")
	case deps.Snapshots == nil:
		return nil, errors.New("snapshot store is required")
	case deps.Dedup == nil:
		return nil, errors.New("dedup engine is required")
	case deps.Families == nil:
		return nil, errors.New("family resolver is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.PenaltyPause <= 0 {
		cfg.PenaltyPause = DefaultPenaltyPause
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
	}, nil
}

// Run processes every candidate of the batch and returns the aggregate. It
// always accounts for every candidate: per-URL errors and panics are recorded,
// never returned.
func (o *Orchestrator) Run(ctx context.Context, batch Batch) crawler.BatchResult {
	result := crawler.BatchResult{Mode: batch.Mode}
	if batch.Strategy == nil {
		result.Warnings = append(result.Warnings, "batch has no source strategy")
		return result
	}
	result.Source = batch.Strategy.Name()
	if batch.Mode == "" {
		batch.Mode = crawler.ModeDiscover
		result.Mode = batch.Mode
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(outcome crawler.Outcome, failure *crawler.Failure) {
		metrics.ObserveOutcome(result.Source, string(outcome))
		mu.Lock()
		defer mu.Unlock()
		result.Record(outcome)
		if failure != nil {
			result.Failures = append(result.Failures, *failure)
		}
	}

	for _, cand := range batch.Candidates {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			record(crawler.OutcomeFailed, &crawler.Failure{URL: cand.Link, Stage: StageSchedule, Error: err.Error()})
			continue
		}
		wg.Add(1)
		go func(cand crawler.Candidate) {
			defer wg.Done()
			defer o.sem.Release(1)
			record(o.process(ctx, batch, cand))
		}(cand)
	}
	wg.Wait()

	o.logger.Info("batch finished",
		zap.String("source", result.Source),
		zap.String("mode", string(result.Mode)),
		zap.Int("total", result.Total),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("closed", result.Closed),
		zap.Int("skipped", result.Skipped),
		zap.Int("rate_limited", result.RateLimited),
		zap.Int("failed", result.Failed),
	)
	return result
}

func (o *Orchestrator) process(ctx context.Context, batch Batch, cand crawler.Candidate) (outcome crawler.Outcome, failure *crawler.Failure) {
	metrics.IncInFlight()
	defer metrics.DecInFlight()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("url pipeline panicked", zap.String("url", cand.Link), zap.Any("panic", r))
			outcome = crawler.OutcomeFailed
			failure = &crawler.Failure{URL: cand.Link, Stage: StagePanic, Error: fmt.Sprint(r)}
		}
	}()

	strategy := batch.Strategy
	fail := func(stage string, err error) (crawler.Outcome, *crawler.Failure) {
		o.logger.Warn("url failed",
			zap.String("source", strategy.Name()),
			zap.String("url", cand.Link),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return crawler.OutcomeFailed, &crawler.Failure{URL: cand.Link, Stage: stage, Error: err.Error()}
	}

	target := strategy.Normalize(cand.Link)
	canon := strategy.Canonicalize(cand.Link)

	if batch.Mode == crawler.ModeDiscover {
		exists, err := o.deps.Prefetch.ExistsByURLOrHash(ctx, cand.Link, canon.URLHash)
		if err != nil {
			return fail(StagePrefetch, err)
		}
		if exists {
			o.logger.Debug("skipping known url", zap.String("url", cand.Link))
			return crawler.OutcomeSkipped, nil
		}
	}

	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Wait(ctx, target); err != nil {
			return fail(StageRateLimit, err)
		}
	}

	resp, err := o.fetch(ctx, strategy, target)
	if err != nil {
		return fail(StageFetch, err)
	}
	metrics.ObserveFetch(strategy.Name(), resp.StatusCode, resp.UsedHeadless, resp.Duration)

	switch classifyStatus(resp.StatusCode) {
	case statusGone:
		closed, err := o.deps.Snapshots.MarkClosed(ctx, canon.URLHash)
		if err != nil {
			return fail(StagePersist, err)
		}
		if !closed {
			return crawler.OutcomeSkipped, nil
		}
		return crawler.OutcomeClosed, nil
	case statusThrottled:
		if o.deps.Limiter != nil {
			o.deps.Limiter.Penalize(target, o.cfg.PenaltyPause)
		}
		o.logger.Warn("rate limited", zap.String("source", strategy.Name()), zap.String("url", cand.Link), zap.Int("status", resp.StatusCode))
		return crawler.OutcomeRateLimited, nil
	case statusUnexpected:
		return fail(StageStatus, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	htmlHash, err := o.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return fail(StageHash, err)
	}
	posting := o.build(strategy, cand, canon.CanonicalURL, canon.URLHash, htmlHash, resp.Body)

	dup, err := o.deps.Dedup.IsDuplicate(ctx, dedup.Candidate{
		Company:   posting.Company,
		JobID:     posting.JobID,
		Title:     posting.JobTitle,
		Location:  posting.Location,
		ExcludeID: cand.PostingID,
	})
	if err != nil {
		return fail(StageDedup, err)
	}
	if dup {
		o.logger.Debug("duplicate posting", zap.String("url", cand.Link))
		return crawler.OutcomeSkipped, nil
	}

	res, err := o.deps.Snapshots.Upsert(ctx, posting, resp.Body, htmlHash)
	if err != nil {
		return fail(StagePersist, err)
	}
	return res.Outcome, nil
}

// build assembles the posting from identity and metadata extraction. Company
// from page metadata wins over the URL-derived guess.
func (o *Orchestrator) build(
	strategy *source.Strategy,
	cand crawler.Candidate,
	canonicalURL, urlHash, htmlHash string,
	html []byte,
) crawler.JobPosting {
	ident := strategy.Identity(canonicalURL, html)
	md := strategy.Metadata(html, extract.Known{Title: cand.Title, Location: cand.Location})

	company := md.Company
	if company == nil {
		company = ident.Company
	}
	// A stored posting is always re-classified from the freshly extracted title.
	hint := cand.FamilyHint
	if cand.PostingID != "" {
		hint = ""
	}
	return crawler.JobPosting{
		SourceHostID: strategy.SourceHostID(),
		Source:       strategy.Name(),
		URL:          cand.Link,
		CanonicalURL: canonicalURL,
		URLHash:      urlHash,
		HTMLHash:     htmlHash,
		JobID:        ident.JobID,
		Company:      company,
		JobTitle:     md.Title,
		Location:     md.Location,
		PostingDate:  md.PostingDate,
		JobFamily:    o.deps.Families.Resolve(hint, md.Title),
		Status:       crawler.StatusOpen,
	}
}

func (o *Orchestrator) fetch(ctx context.Context, strategy *source.Strategy, target string) (crawler.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	request := crawler.FetchRequest{URL: target}
	if strategy.Render() == crawler.RenderAlways && o.deps.Headless != nil {
		request.UseHeadless = true
		resp, err := o.deps.Headless.Fetch(fetchCtx, request)
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch: %w", err)
		}
		return resp, nil
	}

	resp, err := o.deps.Fetcher.Fetch(fetchCtx, request)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: %w", err)
	}
	if strategy.Render() != crawler.RenderAuto || o.deps.Headless == nil || o.deps.Detector == nil {
		return resp, nil
	}
	if !o.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}

	request.UseHeadless = true
	rendered, err := o.deps.Headless.Fetch(fetchCtx, request)
	if err != nil {
		o.logger.Warn("headless promotion failed", zap.String("url", target), zap.Error(err))
		return resp, nil
	}
	o.logger.Debug("headless promotion applied", zap.String("url", target))
	return rendered, nil
}

type statusClass int

const (
	statusOK statusClass = iota
	statusGone
	statusThrottled
	statusUnexpected
)

func classifyStatus(code int) statusClass {
	switch {
	case code >= 200 && code < 300:
		return statusOK
	case code == http.StatusNotFound || code == http.StatusGone:
		return statusGone
	case code == http.StatusTooManyRequests || code == http.StatusForbidden:
		return statusThrottled
	default:
		return statusUnexpected
	}
}
