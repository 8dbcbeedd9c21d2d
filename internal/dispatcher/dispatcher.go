// Package dispatcher turns sources into crawl batches. Discover runs query the
// discovery collaborator per source and job family; refresh runs re-visit
// stale open postings. Each source becomes one orchestrator batch.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/classify"
	"github.com/JakeFAU/jobpost-crawler/internal/cooldown"
	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/metrics"
	"github.com/JakeFAU/jobpost-crawler/internal/source"
	"github.com/JakeFAU/jobpost-crawler/internal/worker"
)

// ErrNoSources is returned when no source compiled successfully.
var ErrNoSources = errors.New("no valid sources configured")

// ErrRunInProgress is returned when a run of the same mode is already active.
var ErrRunInProgress = errors.New("run already in progress")

// Runner executes one batch.
type Runner interface {
	Run(ctx context.Context, batch worker.Batch) crawler.BatchResult
}

// StaleLister lists open postings due for a refresh.
type StaleLister interface {
	ListStale(ctx context.Context, source string, seenBefore time.Time, limit int) ([]crawler.JobPosting, error)
}

// Config holds run parameters.
type Config struct {
	Geography  string
	Recency    time.Duration
	MaxResults int
	// StaleAfter is how long a posting may go unseen before refresh picks it up.
	StaleAfter   time.Duration
	RefreshLimit int
	CooldownTTL  time.Duration
	// HistorySize bounds the number of remembered run summaries.
	HistorySize int
}

// Options are the collaborators of a Dispatcher. Cooldown, Blocklist and
// Stale are optional; without Stale refresh runs do nothing.
type Options struct {
	Strategies     []*source.Strategy
	SourceWarnings []string
	Families       []classify.Family
	Discoverer     crawler.Discoverer
	Runner         Runner
	Stale          StaleLister
	Cooldown       cooldown.Tracker
	Blocklist      *source.Blocklist
	Clock          crawler.Clock
	IDs            crawler.IDGenerator
}

// Dispatcher coordinates runs across sources.
type Dispatcher struct {
	opts    Options
	cfg     Config
	logger  *zap.Logger
	history *History

	mu      sync.Mutex
	active  map[crawler.BatchMode]bool
	pending sync.WaitGroup
}

// New validates opts and builds a Dispatcher.
func New(opts Options, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if len(opts.Strategies) == 0 {
		return nil, ErrNoSources
	}
	switch {
	case opts.Runner == nil:
		return nil, errors.New("runner is required")
	case opts.Discoverer == nil:
		return nil, errors.New("discoverer is required")
	case opts.Clock == nil:
		return nil, errors.New("clock is required")
	case opts.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		opts:    opts,
		cfg:     cfg,
		logger:  logger,
		history: NewHistory(cfg.HistorySize),
		active:  make(map[crawler.BatchMode]bool),
	}, nil
}

// Sources returns the names of the active sources.
func (d *Dispatcher) Sources() []string {
	names := make([]string, 0, len(d.opts.Strategies))
	for _, s := range d.opts.Strategies {
		names = append(names, s.Name())
	}
	return names
}

// Run executes a run synchronously and returns its summary.
func (d *Dispatcher) Run(ctx context.Context, mode crawler.BatchMode) (crawler.RunSummary, error) {
	summary, err := d.begin(mode)
	if err != nil {
		return crawler.RunSummary{}, err
	}
	return d.execute(ctx, summary), nil
}

// Start launches a run in the background under ctx and returns its ID.
func (d *Dispatcher) Start(ctx context.Context, mode crawler.BatchMode) (string, error) {
	summary, err := d.begin(mode)
	if err != nil {
		return "", err
	}
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		d.execute(ctx, summary)
	}()
	return summary.ID, nil
}

// Wait blocks until every run launched by Start has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Get returns a remembered run summary.
func (d *Dispatcher) Get(id string) (crawler.RunSummary, bool) {
	return d.history.Get(id)
}

// List returns remembered runs, newest first.
func (d *Dispatcher) List() []crawler.RunSummary {
	return d.history.List()
}

func (d *Dispatcher) begin(mode crawler.BatchMode) (crawler.RunSummary, error) {
	if mode != crawler.ModeDiscover && mode != crawler.ModeRefresh {
		return crawler.RunSummary{}, fmt.Errorf("unknown run mode %q", mode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[mode] {
		return crawler.RunSummary{}, fmt.Errorf("%s: %w", mode, ErrRunInProgress)
	}
	id, err := d.opts.IDs.NewID()
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	d.active[mode] = true
	summary := crawler.RunSummary{
		ID:        id,
		Mode:      mode,
		StartedAt: d.opts.Clock.Now(),
		Warnings:  append([]string(nil), d.opts.SourceWarnings...),
	}
	d.history.Put(summary)
	return summary, nil
}

func (d *Dispatcher) execute(ctx context.Context, summary crawler.RunSummary) crawler.RunSummary {
	defer func() {
		d.mu.Lock()
		d.active[summary.Mode] = false
		d.mu.Unlock()
	}()

	logger := d.logger.With(zap.String("run_id", summary.ID), zap.String("mode", string(summary.Mode)))
	logger.Info("run started", zap.Strings("sources", d.Sources()))

	batches := make([]crawler.BatchResult, len(d.opts.Strategies))
	var wg sync.WaitGroup
	for i, strategy := range d.opts.Strategies {
		wg.Add(1)
		go func(i int, strategy *source.Strategy) {
			defer wg.Done()
			if summary.Mode == crawler.ModeRefresh {
				batches[i] = d.refreshSource(ctx, strategy)
			} else {
				batches[i] = d.discoverSource(ctx, strategy)
			}
		}(i, strategy)
	}
	wg.Wait()

	summary.Batches = batches
	for _, b := range batches {
		summary.Warnings = append(summary.Warnings, b.Warnings...)
	}
	finished := d.opts.Clock.Now()
	summary.FinishedAt = &finished

	result := "ok"
	switch {
	case ctx.Err() != nil:
		result = "canceled"
		summary.Error = ctx.Err().Error()
	case failedAny(batches):
		result = "partial"
	}
	metrics.ObserveRun(string(summary.Mode), result)
	d.history.Put(summary)

	logger.Info("run finished", zap.String("result", result), zap.Duration("elapsed", finished.Sub(summary.StartedAt)))
	return summary
}

func failedAny(batches []crawler.BatchResult) bool {
	for _, b := range batches {
		if b.Failed > 0 || b.RateLimited > 0 {
			return true
		}
	}
	return false
}

// cooling reports whether the source is in cooldown, adding a warning to res.
func (d *Dispatcher) cooling(ctx context.Context, name string, res *crawler.BatchResult) bool {
	if d.opts.Cooldown == nil {
		return false
	}
	left, err := d.opts.Cooldown.Remaining(ctx, name)
	if err != nil {
		d.logger.Warn("cooldown lookup failed", zap.String("source", name), zap.Error(err))
		return false
	}
	if left <= 0 {
		return false
	}
	msg := fmt.Sprintf("source %s skipped: rate-limit cooldown for another %s", name, left.Round(time.Second))
	d.logger.Warn("source in cooldown", zap.String("source", name), zap.Duration("remaining", left))
	res.Warnings = append(res.Warnings, msg)
	return true
}

// afterBatch starts a cooldown when the batch saw rate limiting.
func (d *Dispatcher) afterBatch(ctx context.Context, res *crawler.BatchResult) {
	if res.RateLimited == 0 || d.opts.Cooldown == nil || d.cfg.CooldownTTL <= 0 {
		return
	}
	if err := d.opts.Cooldown.Start(ctx, res.Source, d.cfg.CooldownTTL); err != nil {
		d.logger.Warn("cooldown start failed", zap.String("source", res.Source), zap.Error(err))
		return
	}
	res.Warnings = append(res.Warnings, fmt.Sprintf(
		"source %s rate limited on %d urls; cooling down for %s", res.Source, res.RateLimited, d.cfg.CooldownTTL))
}

func (d *Dispatcher) discoverSource(ctx context.Context, strategy *source.Strategy) crawler.BatchResult {
	name := strategy.Name()
	res := crawler.BatchResult{Source: name, Mode: crawler.ModeDiscover}
	if d.cooling(ctx, name, &res) {
		return res
	}

	candidates, warnings := d.collect(ctx, strategy)
	metrics.ObserveDiscovery(name, len(candidates))
	d.logger.Info("discovery finished", zap.String("source", name), zap.Int("candidates", len(candidates)))

	batch := d.opts.Runner.Run(ctx, worker.Batch{Strategy: strategy, Mode: crawler.ModeDiscover, Candidates: candidates})
	batch.Warnings = append(append(res.Warnings, warnings...), batch.Warnings...)
	d.afterBatch(ctx, &batch)
	return batch
}

// collect queries discovery once per family and keeps unique detail-page
// candidates that are not on blocked hosts. Discovery errors become warnings.
func (d *Dispatcher) collect(ctx context.Context, strategy *source.Strategy) ([]crawler.Candidate, []string) {
	families := d.opts.Families
	if len(families) == 0 {
		families = []classify.Family{{}}
	}

	var (
		out      []crawler.Candidate
		warnings []string
		blocked  int
		foreign  int
		seen     = make(map[string]struct{})
	)
	for _, family := range families {
		keywords := append(append([]string(nil), family.Aliases...), strategy.Keywords()...)
		found, err := d.opts.Discoverer.Discover(ctx, crawler.DiscoveryQuery{
			Source:     strategy.Name(),
			Domain:     strategy.SearchDomain(),
			Family:     family.Name,
			Keywords:   keywords,
			Geography:  d.cfg.Geography,
			Recency:    d.cfg.Recency,
			MaxResults: d.cfg.MaxResults,
		})
		if err != nil {
			d.logger.Warn("discovery failed", zap.String("source", strategy.Name()), zap.String("family", family.Name), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("discovery for %s/%s failed: %v", strategy.Name(), family.Name, err))
		}
		for _, c := range found {
			if d.opts.Blocklist.IsBlockedURL(c.Link) {
				blocked++
				continue
			}
			if !strategy.IsDetailURL(c.Link) {
				foreign++
				continue
			}
			key := strategy.Canonicalize(c.Link).URLHash
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, c)
		}
	}
	if blocked > 0 || foreign > 0 {
		d.logger.Debug("discovery candidates dropped",
			zap.String("source", strategy.Name()),
			zap.Int("blocked", blocked),
			zap.Int("not_detail_page", foreign),
		)
	}
	return out, warnings
}

func (d *Dispatcher) refreshSource(ctx context.Context, strategy *source.Strategy) crawler.BatchResult {
	name := strategy.Name()
	res := crawler.BatchResult{Source: name, Mode: crawler.ModeRefresh}
	if d.opts.Stale == nil || d.cooling(ctx, name, &res) {
		return res
	}

	cutoff := d.opts.Clock.Now().Add(-d.cfg.StaleAfter)
	postings, err := d.opts.Stale.ListStale(ctx, name, cutoff, d.cfg.RefreshLimit)
	if err != nil {
		d.logger.Warn("listing stale postings failed", zap.String("source", name), zap.Error(err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("refresh for %s skipped: %v", name, err))
		return res
	}
	sort.SliceStable(postings, func(i, j int) bool { return postings[i].LastSeenAt.Before(postings[j].LastSeenAt) })

	candidates := make([]crawler.Candidate, 0, len(postings))
	for _, p := range postings {
		candidates = append(candidates, crawler.Candidate{
			Link:      p.URL,
			Title:     deref(p.JobTitle),
			Location:  deref(p.Location),
			PostingID: p.ID,
		})
	}
	batch := d.opts.Runner.Run(ctx, worker.Batch{Strategy: strategy, Mode: crawler.ModeRefresh, Candidates: candidates})
	batch.Warnings = append(res.Warnings, batch.Warnings...)
	d.afterBatch(ctx, &batch)
	return batch
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
