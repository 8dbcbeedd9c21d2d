package dispatcher

import (
	"sync"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

const defaultHistorySize = 50

// History remembers the most recent run summaries in memory.
type History struct {
	mu    sync.RWMutex
	limit int
	order []string
	runs  map[string]crawler.RunSummary
}

// NewHistory returns a History keeping at most limit runs.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistorySize
	}
	return &History{limit: limit, runs: make(map[string]crawler.RunSummary)}
}

// Put inserts or replaces a summary, evicting the oldest beyond the limit.
func (h *History) Put(summary crawler.RunSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.runs[summary.ID]; !ok {
		h.order = append(h.order, summary.ID)
	}
	h.runs[summary.ID] = summary
	for len(h.order) > h.limit {
		delete(h.runs, h.order[0])
		h.order = h.order[1:]
	}
}

// Get returns the summary for id.
func (h *History) Get(id string) (crawler.RunSummary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.runs[id]
	return s, ok
}

// List returns summaries newest first.
func (h *History) List() []crawler.RunSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]crawler.RunSummary, 0, len(h.order))
	for i := len(h.order) - 1; i >= 0; i-- {
		out = append(out, h.runs[h.order[i]])
	}
	return out
}
