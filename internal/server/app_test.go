package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/classify"
	"github.com/JakeFAU/jobpost-crawler/internal/config"
	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/source"
	memorystorage "github.com/JakeFAU/jobpost-crawler/internal/storage/memory"
)

const jobPage = `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"JobPosting","title":"Senior Software Engineer",
 "hiringOrganization":{"@type":"Organization","name":"Acme"},
 "jobLocation":{"@type":"Place","address":{"addressLocality":"Chicago"}},
 "datePosted":"2025-02-20"}
</script></head><body><h1>Senior Software Engineer</h1></body></html>`

func newBoard(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/acme/jobs/101", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(jobPage))
	})
	mux.HandleFunc("/acme/jobs/102", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(board string) config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 0, ShutdownTimeoutSeconds: 1},
		Crawler: config.CrawlerConfig{Concurrency: 2, UserAgent: "jobcrawler-test", FetchTimeoutSeconds: 5},

		Discovery: config.DiscoveryConfig{
			Provider:   "static",
			MaxResults: 10,
			Fixtures: map[string][]config.FixtureCandidate{
				"board": {
					{Link: board + "/acme/jobs/101?utm_source=feed", Title: "Senior Software Engineer"},
					{Link: board + "/acme/jobs/102", Title: "Account Executive"},
					{Link: board + "/acme/about", Title: "About Acme"},
				},
			},
		},

		Dedup:    config.DedupConfig{WindowDays: 45},
		Refresh:  config.RefreshConfig{StaleAfterHours: 24, BatchLimit: 10},
		Storage:  config.StorageConfig{Backend: "memory", Archive: config.ArchiveConfig{Backend: "memory"}},
		Cooldown: config.CooldownConfig{Backend: "memory", TTLMinutes: 5},
		PubSub:   config.PubSubConfig{Backend: "memory", Topic: "postings"},
		Families: []classify.Family{
			{Name: "engineering", Aliases: []string{"engineer"}},
			{Name: "sales", Aliases: []string{"account executive"}},
		},
		Sources: map[string]source.Config{
			"board": {
				SearchDomain:   "127.0.0.1",
				DetailURLRegex: "^" + regexp.QuoteMeta(board) + `/([^/]+)/jobs/(\d+)`,
			},
			"broken": {SearchDomain: "example.com"},
		},
	}
}

func TestBuildAndDiscover(t *testing.T) {
	board := newBoard(t)
	ctx := context.Background()

	app, err := Build(ctx, testConfig(board.URL), zap.NewNop())
	require.NoError(t, err)
	defer app.Close(ctx)

	assert.Equal(t, []string{"board"}, app.Dispatcher().Sources())

	summary, err := app.RunOnce(ctx, crawler.ModeDiscover)
	require.NoError(t, err)
	require.Len(t, summary.Batches, 1)
	batch := summary.Batches[0]
	assert.Equal(t, 1, batch.Created, "failures: %+v", batch.Failures)
	assert.Equal(t, 1, batch.Skipped, "gone page with nothing stored is skipped")
	assert.Zero(t, batch.Failed)
	require.NotEmpty(t, summary.Warnings)
	assert.Contains(t, summary.Warnings[0], "broken")

	store, ok := app.Store().(*memorystorage.PostingStore)
	require.True(t, ok)
	postings := store.Postings()
	require.Len(t, postings, 1)
	p := postings[0]
	assert.Equal(t, "board", p.Source)
	assert.Equal(t, crawler.StatusOpen, p.Status)
	assert.Equal(t, "engineering", p.JobFamily)
	require.NotNil(t, p.JobTitle)
	assert.Equal(t, "Senior Software Engineer", *p.JobTitle)
	require.NotNil(t, p.JobID)
	assert.Equal(t, "101", *p.JobID)
	assert.True(t, p.InitialSnapshotDone)

	again, err := app.RunOnce(ctx, crawler.ModeDiscover)
	require.NoError(t, err)
	assert.Zero(t, again.Batches[0].Created)
	assert.Len(t, store.Postings(), 1)
}

func TestBuildRejectsNoValidSources(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	delete(cfg.Sources, "board")

	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid sources")
}

func TestServeStopsOnCancel(t *testing.T) {
	board := newBoard(t)
	cfg := testConfig(board.URL)
	cfg.Server.Port = freePort(t)
	cfg.Schedule = config.ScheduleConfig{Enabled: true, Discover: "@hourly"}

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func freePort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	srv.Close()
	return port
}
