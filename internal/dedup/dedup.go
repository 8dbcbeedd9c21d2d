// Package dedup decides whether an extracted posting is already stored.
//
// Tiers short-circuit on the first match:
//   - no company: never a duplicate
//   - job ID present: exact (company, job ID) match
//   - title present: (company, title, location) match among postings
//     discovered inside the rolling window; null and empty locations are equal
//   - otherwise: not a duplicate
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

// DefaultWindow is how far back the fuzzy tier looks.
const DefaultWindow = 45 * 24 * time.Hour

// Finder is the storage query surface the engine needs.
type Finder interface {
	ExistsByCompanyJobID(ctx context.Context, company, jobID, excludeID string) (bool, error)
	ExistsByCompanyTitleLocation(ctx context.Context, company, title, location string, since time.Time, excludeID string) (bool, error)
}

// Candidate is the identity of a freshly extracted posting.
type Candidate struct {
	Company  *string
	JobID    *string
	Title    *string
	Location *string
	// ExcludeID is a stored posting that must not match itself.
	ExcludeID string
}

// Tier names which rule flagged a duplicate.
type Tier string

// Tiers reported by Check.
const (
	TierNone         Tier = ""
	TierCompanyJobID Tier = "company_job_id"
	TierFuzzy        Tier = "company_title_location"
)

// Engine runs the tiered check.
type Engine struct {
	finder Finder
	clock  crawler.Clock
	window time.Duration
}

// New builds an Engine. A non-positive window means DefaultWindow.
func New(finder Finder, clock crawler.Clock, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{finder: finder, clock: clock, window: window}
}

// IsDuplicate reports whether c matches a stored posting.
func (e *Engine) IsDuplicate(ctx context.Context, c Candidate) (bool, error) {
	tier, err := e.Check(ctx, c)
	return tier != TierNone, err
}

// Check returns the tier that matched, or TierNone.
func (e *Engine) Check(ctx context.Context, c Candidate) (Tier, error) {
	company := value(c.Company)
	if company == "" {
		return TierNone, nil
	}

	if jobID := value(c.JobID); jobID != "" {
		found, err := e.finder.ExistsByCompanyJobID(ctx, company, jobID, c.ExcludeID)
		if err != nil {
			return TierNone, fmt.Errorf("dedup by job id: %w", err)
		}
		if found {
			return TierCompanyJobID, nil
		}
	}

	title := value(c.Title)
	if title == "" {
		return TierNone, nil
	}
	since := e.clock.Now().Add(-e.window)
	found, err := e.finder.ExistsByCompanyTitleLocation(ctx, company, title, value(c.Location), since, c.ExcludeID)
	if err != nil {
		return TierNone, fmt.Errorf("dedup by title and location: %w", err)
	}
	if found {
		return TierFuzzy, nil
	}
	return TierNone, nil
}

func value(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}
