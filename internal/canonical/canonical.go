// Package canonical turns raw job-posting URLs into stable comparison keys.
//
// The same posting is reachable through many URL variants (tracking
// parameters, mixed case, fragments). Canonicalize collapses them onto one
// string and its SHA-256 digest. It never fails: input that cannot be parsed
// as an absolute URL is lowercased and used as-is.
package canonical

import (
	"net/url"
	"sort"
	"strings"

	"github.com/JakeFAU/jobpost-crawler/internal/hash/sha256"
)

// DefaultParams are the identifier-bearing query parameters kept for every source.
var DefaultParams = []string{"gh_jid", "id", "p", "job", "jobid", "job_id", "jk"}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Result is a canonical URL and its digest.
type Result struct {
	CanonicalURL string
	URLHash      string
}

// Canonicalizer keeps an allow-list of query parameter names.
type Canonicalizer struct {
	allow map[string]struct{}
}

// New builds a Canonicalizer that keeps DefaultParams plus extra.
func New(extra ...string) *Canonicalizer {
	allow := make(map[string]struct{}, len(DefaultParams)+len(extra))
	for _, name := range DefaultParams {
		allow[name] = struct{}{}
	}
	for _, name := range extra {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			allow[name] = struct{}{}
		}
	}
	return &Canonicalizer{allow: allow}
}

// Canonicalize normalizes raw and hashes the result.
func (c *Canonicalizer) Canonicalize(raw string) Result {
	canon := c.normalize(raw)
	return Result{CanonicalURL: canon, URLHash: sha256.SumString(canon)}
}

// Allowed reports whether name survives canonicalization.
func (c *Canonicalizer) Allowed(name string) bool {
	_, ok := c.allow[strings.ToLower(name)]
	return ok
}

func (c *Canonicalizer) normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	fallback := strings.ToLower(trimmed)

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return fallback
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port, ok := defaultPorts[u.Scheme]; ok {
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
	}
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.ToLower(u.Path)
	u.RawPath = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	u.RawQuery = c.cleanQuery(u.Query())
	u.ForceQuery = false

	return u.String()
}

// cleanQuery keeps allow-listed parameters, lowercases their names and sorts them.
func (c *Canonicalizer) cleanQuery(params url.Values) string {
	kept := make(map[string][]string)
	for name, values := range params {
		key := strings.ToLower(name)
		if _, ok := c.allow[key]; !ok {
			continue
		}
		for _, v := range values {
			if v != "" {
				kept[key] = append(kept[key], v)
			}
		}
	}
	if len(kept) == 0 {
		return ""
	}

	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := kept[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
