// Package discovery finds candidate job-posting URLs for a source.
//
// SearchClient queries a Programmable Search style JSON API; Static serves
// fixed fixtures. Both satisfy crawler.Discoverer.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

// DefaultEndpoint is the Custom Search JSON API endpoint.
const DefaultEndpoint = "https://www.googleapis.com/customsearch/v1"

const (
	pageSize   = 10
	maxResults = 100
)

// SearchConfig configures the search API client.
type SearchConfig struct {
	Endpoint   string
	APIKey     string
	EngineID   string
	Timeout    time.Duration
	MaxRetries uint64
}

// SearchClient implements crawler.Discoverer over a search JSON API.
type SearchClient struct {
	cfg    SearchConfig
	http   *http.Client
	logger *zap.Logger
}

// NewSearchClient builds a client. Missing credentials are allowed; Discover
// then returns no candidates.
func NewSearchClient(cfg SearchConfig, httpClient *http.Client, logger *zap.Logger) *SearchClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchClient{cfg: cfg, http: httpClient, logger: logger}
}

type searchResponse struct {
	Items []struct {
		Link  string `json:"link"`
		Title string `json:"title"`
	} `json:"items"`
}

// Discover pages through search results until MaxResults candidates are
// collected or the API runs out. Candidates gathered before a failure are
// returned alongside the error.
func (c *SearchClient) Discover(ctx context.Context, q crawler.DiscoveryQuery) ([]crawler.Candidate, error) {
	if c.cfg.APIKey == "" || c.cfg.EngineID == "" {
		c.logger.Debug("search discovery not configured", zap.String("source", q.Source))
		return nil, nil
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = pageSize
	}
	if limit > maxResults {
		limit = maxResults
	}

	var out []crawler.Candidate
	for start := 1; len(out) < limit; start += pageSize {
		page, err := c.page(ctx, q, start, min(pageSize, limit-len(out)))
		if err != nil {
			return out, err
		}
		for _, item := range page.Items {
			if strings.TrimSpace(item.Link) == "" {
				continue
			}
			out = append(out, crawler.Candidate{
				Link:       item.Link,
				Title:      strings.TrimSpace(item.Title),
				FamilyHint: q.Family,
			})
		}
		if len(page.Items) < pageSize {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *SearchClient) page(ctx context.Context, q crawler.DiscoveryQuery, start, num int) (searchResponse, error) {
	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("cx", c.cfg.EngineID)
	params.Set("q", BuildQuery(q))
	params.Set("num", strconv.Itoa(num))
	params.Set("start", strconv.Itoa(start))
	if days := int(q.Recency.Hours() / 24); days > 0 {
		params.Set("dateRestrict", "d"+strconv.Itoa(days))
	}
	endpoint := c.cfg.Endpoint + "?" + params.Encode()

	var parsed searchResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build search request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("search request: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck // read-only body

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read search response: %w", err)
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("search api status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("search api status %d", resp.StatusCode))
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode search response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 0
	retries := c.cfg.MaxRetries
	if retries == 0 {
		retries = 2
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		return searchResponse{}, err
	}
	return parsed, nil
}

// BuildQuery renders a query restricted to the source domain, matching any of
// the keywords and, when set, the geography.
func BuildQuery(q crawler.DiscoveryQuery) string {
	var parts []string
	if q.Domain != "" {
		parts = append(parts, "site:"+q.Domain)
	}
	var quoted []string
	for _, kw := range q.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			quoted = append(quoted, strconv.Quote(kw))
		}
	}
	switch len(quoted) {
	case 0:
	case 1:
		parts = append(parts, quoted[0])
	default:
		parts = append(parts, "("+strings.Join(quoted, " OR ")+")")
	}
	if g := strings.TrimSpace(q.Geography); g != "" {
		parts = append(parts, strconv.Quote(g))
	}
	return strings.Join(parts, " ")
}
