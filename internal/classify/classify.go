// Package classify maps job titles to job families by alias matching.
package classify

import (
	"strings"
	"sync"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

// Family is one taxonomy bucket and the phrases that select it.
type Family struct {
	Name    string
	Aliases []string
}

// Classifier does case-insensitive substring matching of titles against every
// alias in a single Aho-Corasick pass. When several families match, the one
// listed first in configuration wins.
type Classifier struct {
	families []string
	// owner maps each dictionary entry to the lowest family index using it.
	owner   []int
	mu      sync.Mutex
	matcher *ahocorasick.Matcher
}

// New builds a Classifier. Family order is significant.
func New(families []Family) *Classifier {
	c := &Classifier{families: make([]string, 0, len(families))}
	seen := make(map[string]int)
	var dict []string
	for idx, fam := range families {
		c.families = append(c.families, fam.Name)
		for _, alias := range fam.Aliases {
			kw := strings.ToLower(strings.TrimSpace(alias))
			if kw == "" {
				continue
			}
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = len(dict)
			dict = append(dict, kw)
			c.owner = append(c.owner, idx)
		}
	}
	if len(dict) > 0 {
		c.matcher = ahocorasick.NewStringMatcher(dict)
	}
	return c
}

// Classify returns the family for title, or crawler.FamilyUnknown.
func (c *Classifier) Classify(title *string) string {
	if title == nil {
		return crawler.FamilyUnknown
	}
	text := strings.ToLower(strings.TrimSpace(*title))
	if text == "" || c.matcher == nil {
		return crawler.FamilyUnknown
	}

	// Matcher keeps per-call state in its trie nodes.
	c.mu.Lock()
	hits := c.matcher.Match([]byte(text))
	c.mu.Unlock()

	best := -1
	for _, hit := range hits {
		if fam := c.owner[hit]; best == -1 || fam < best {
			best = fam
		}
	}
	if best == -1 {
		return crawler.FamilyUnknown
	}
	return c.families[best]
}

// Resolve keeps a concrete discovery-time hint and otherwise classifies title.
func (c *Classifier) Resolve(hint string, title *string) string {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "", crawler.FamilyUnknown, crawler.FamilyUnclassified:
		return c.Classify(title)
	default:
		return hint
	}
}

// Families returns family names in configured order.
func (c *Classifier) Families() []string {
	out := make([]string, len(c.families))
	copy(out, c.families)
	return out
}
