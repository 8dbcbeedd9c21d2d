package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

// PostingStore is an in-memory crawler.PostingStore. It enforces the same
// uniqueness rule as the Postgres schema: at most one open posting per URL hash.
type PostingStore struct {
	mu       sync.RWMutex
	postings map[string]crawler.JobPosting
	order    []string
	versions map[string][]crawler.PostingVersion
}

var _ crawler.PostingStore = (*PostingStore)(nil)

// NewPostingStore constructs an empty PostingStore.
func NewPostingStore() *PostingStore {
	return &PostingStore{
		postings: make(map[string]crawler.JobPosting),
		versions: make(map[string][]crawler.PostingVersion),
	}
}

// ExistsByURLOrHash implements crawler.PostingStore.
func (s *PostingStore) ExistsByURLOrHash(_ context.Context, url, urlHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.postings {
		if p.URL == url || p.URLHash == urlHash {
			return true, nil
		}
	}
	return false, nil
}

// FindOpen implements crawler.PostingStore.
func (s *PostingStore) FindOpen(_ context.Context, url, canonicalURL, urlHash string) (crawler.JobPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		p := s.postings[id]
		if p.Status != crawler.StatusOpen {
			continue
		}
		if p.URL == url || p.CanonicalURL == canonicalURL || p.URLHash == urlHash {
			return p, nil
		}
	}
	return crawler.JobPosting{}, crawler.ErrNotFound
}

// Insert implements crawler.PostingStore.
func (s *PostingStore) Insert(_ context.Context, posting crawler.JobPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.postings {
		if p.Status == crawler.StatusOpen && p.URLHash == posting.URLHash {
			return crawler.ErrDuplicate
		}
	}
	s.postings[posting.ID] = posting
	s.order = append(s.order, posting.ID)
	return nil
}

// Update implements crawler.PostingStore.
func (s *PostingStore) Update(_ context.Context, posting crawler.JobPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.postings[posting.ID]; !ok {
		return crawler.ErrNotFound
	}
	s.postings[posting.ID] = posting
	return nil
}

// AppendVersion implements crawler.PostingStore.
func (s *PostingStore) AppendVersion(_ context.Context, version crawler.PostingVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.postings[version.JobPostingID]; !ok {
		return crawler.ErrNotFound
	}
	s.versions[version.JobPostingID] = append(s.versions[version.JobPostingID], version)
	return nil
}

// MarkSnapshotted implements crawler.PostingStore.
func (s *PostingStore) MarkSnapshotted(_ context.Context, postingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[postingID]
	if !ok {
		return crawler.ErrNotFound
	}
	p.InitialSnapshotDone = true
	s.postings[postingID] = p
	return nil
}

// CloseByURL implements crawler.PostingStore.
func (s *PostingStore) CloseByURL(_ context.Context, urlOrHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for id, p := range s.postings {
		if p.Status != crawler.StatusOpen {
			continue
		}
		if p.URL != urlOrHash && p.CanonicalURL != urlOrHash && p.URLHash != urlOrHash {
			continue
		}
		p.Status = crawler.StatusClosed
		if at.After(p.LastSeenAt) {
			p.LastSeenAt = at
		}
		s.postings[id] = p
		changed = true
	}
	return changed, nil
}

// ExistsByCompanyJobID implements crawler.PostingStore.
func (s *PostingStore) ExistsByCompanyJobID(_ context.Context, company, jobID, excludeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.postings {
		if id == excludeID || p.JobID == nil || p.Company == nil {
			continue
		}
		if *p.Company == company && *p.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

// ExistsByCompanyTitleLocation implements crawler.PostingStore.
func (s *PostingStore) ExistsByCompanyTitleLocation(
	_ context.Context,
	company, title, location string,
	since time.Time,
	excludeID string,
) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.postings {
		if id == excludeID || p.Company == nil || p.JobTitle == nil {
			continue
		}
		if *p.Company != company || *p.JobTitle != title {
			continue
		}
		if deref(p.Location) != location || p.DiscoveredAt.Before(since) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// ListStale implements crawler.PostingStore.
func (s *PostingStore) ListStale(_ context.Context, source string, seenBefore time.Time, limit int) ([]crawler.JobPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.JobPosting
	for _, p := range s.postings {
		if p.Status != crawler.StatusOpen || !strings.EqualFold(p.Source, source) {
			continue
		}
		if p.LastSeenAt.Before(seenBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.Before(out[j].LastSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListVersions implements crawler.PostingStore.
func (s *PostingStore) ListVersions(_ context.Context, postingID string) ([]crawler.PostingVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.PostingVersion, len(s.versions[postingID]))
	copy(out, s.versions[postingID])
	return out, nil
}

// Postings returns every stored posting in insertion order.
func (s *PostingStore) Postings() []crawler.JobPosting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.JobPosting, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.postings[id])
	}
	return out
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
