package discovery

import (
	"context"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

// Static returns fixed candidates per source. It backs tests and offline
// runs against known URL lists.
type Static struct {
	fixtures map[string][]crawler.Candidate
}

// NewStatic copies fixtures keyed by source name.
func NewStatic(fixtures map[string][]crawler.Candidate) *Static {
	copied := make(map[string][]crawler.Candidate, len(fixtures))
	for source, list := range fixtures {
		copied[source] = append([]crawler.Candidate(nil), list...)
	}
	return &Static{fixtures: copied}
}

// Discover returns the source's fixtures whose family hint is empty or equals
// the queried family, capped at MaxResults when it is positive.
func (s *Static) Discover(_ context.Context, q crawler.DiscoveryQuery) ([]crawler.Candidate, error) {
	var out []crawler.Candidate
	for _, c := range s.fixtures[q.Source] {
		if c.FamilyHint != "" && q.Family != "" && c.FamilyHint != q.Family {
			continue
		}
		if c.FamilyHint == "" {
			c.FamilyHint = q.Family
		}
		out = append(out, c)
		if q.MaxResults > 0 && len(out) == q.MaxResults {
			break
		}
	}
	return out, nil
}
