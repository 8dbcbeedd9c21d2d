package crawler

import (
	"net/http"
	"time"
)

// Status is the lifecycle state of a job posting.
type Status string

// Posting status values. A posting only ever moves from open to closed.
const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Job family sentinels.
const (
	FamilyUnknown      = "unknown"
	FamilyUnclassified = "unclassified"
)

// JobPosting is the current-state row for one hiring posting.
type JobPosting struct {
	ID                  string     `json:"id"`
	SourceHostID        *string    `json:"source_host_id,omitempty"`
	Source              string     `json:"source"`
	URL                 string     `json:"url"`
	CanonicalURL        string     `json:"canonical_url"`
	URLHash             string     `json:"url_hash"`
	HTMLHash            string     `json:"html_hash"`
	JobID               *string    `json:"job_id,omitempty"`
	Company             *string    `json:"company,omitempty"`
	JobTitle            *string    `json:"job_title,omitempty"`
	Location            *string    `json:"location,omitempty"`
	PostingDate         *time.Time `json:"posting_date,omitempty"`
	JobFamily           string     `json:"job_family"`
	Status              Status     `json:"status"`
	DiscoveredAt        time.Time  `json:"discovered_at"`
	LastSeenAt          time.Time  `json:"last_seen_at"`
	InitialSnapshotDone bool       `json:"initial_snapshot_done"`
}

// PostingVersion is an immutable snapshot of a posting's observable state.
type PostingVersion struct {
	ID           string    `json:"id"`
	JobPostingID string    `json:"job_posting_id"`
	HTMLHash     string    `json:"html_hash"`
	JobTitle     *string   `json:"job_title,omitempty"`
	Location     *string   `json:"location,omitempty"`
	SnapshotAt   time.Time `json:"snapshot_at"`
	ArchiveURI   string    `json:"archive_uri,omitempty"`
}

// Candidate is one discovery result queued for crawling.
type Candidate struct {
	Link  string `json:"link"`
	Title string `json:"title"`
	// FamilyHint is the family whose keywords produced this candidate.
	FamilyHint string `json:"family_hint,omitempty"`
	// PostingID is set when re-visiting an already stored posting.
	PostingID string `json:"posting_id,omitempty"`
	// Location is the stored location when re-visiting a posting.
	Location string `json:"location,omitempty"`
}

// DiscoveryQuery describes one search against a discovery collaborator.
type DiscoveryQuery struct {
	Source     string
	Domain     string
	Family     string
	Keywords   []string
	Geography  string
	Recency    time.Duration
	MaxResults int
}

// RenderMode controls when a source is fetched through the headless browser.
type RenderMode string

// Render modes accepted in source configuration.
const (
	RenderNever  RenderMode = "never"
	RenderAuto   RenderMode = "auto"
	RenderAlways RenderMode = "always"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result of any completed HTTP exchange, whatever the status code.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// BatchMode selects how the orchestrator treats already known URLs.
type BatchMode string

// Batch modes.
const (
	// ModeDiscover skips URLs that are already stored before fetching them.
	ModeDiscover BatchMode = "discover"
	// ModeRefresh re-fetches stored postings to detect changes and closures.
	ModeRefresh BatchMode = "refresh"
)

// Outcome is the terminal state of one URL in a batch.
type Outcome string

// Per-URL outcomes.
const (
	OutcomeCreated     Outcome = "created"
	OutcomeUpdated     Outcome = "updated"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeClosed      Outcome = "closed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
)

// Failure records why one URL failed.
type Failure struct {
	URL   string `json:"url"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// BatchResult aggregates the outcomes of one batch.
type BatchResult struct {
	Source      string    `json:"source"`
	Mode        BatchMode `json:"mode"`
	Total       int       `json:"total"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Closed      int       `json:"closed"`
	Skipped     int       `json:"skipped"`
	RateLimited int       `json:"rate_limited"`
	Failed      int       `json:"failed"`
	Failures    []Failure `json:"failures,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Record folds one URL outcome into the counters. Unchanged refreshes count as
// updates and late duplicates count as skips.
func (r *BatchResult) Record(outcome Outcome) {
	r.Total++
	switch outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated, OutcomeUnchanged:
		r.Updated++
	case OutcomeClosed:
		r.Closed++
	case OutcomeSkipped, OutcomeDuplicate:
		r.Skipped++
	case OutcomeRateLimited:
		r.RateLimited++
	case OutcomeFailed:
		r.Failed++
	}
}

// RunSummary describes a full run across sources.
type RunSummary struct {
	ID         string        `json:"id"`
	Mode       BatchMode     `json:"mode"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Batches    []BatchResult `json:"batches"`
	Warnings   []string      `json:"warnings,omitempty"`
	Error      string        `json:"error,omitempty"`
}
