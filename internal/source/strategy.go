// Package source compiles per-source configuration into immutable strategies.
//
// A Strategy bundles everything the orchestrator needs to treat URLs of one
// source type: URL rewrites, the canonicalizer allow-list, identity rules and
// metadata selectors. The orchestrator itself stays source-agnostic.
package source

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/canonical"
	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/extract"
	"github.com/JakeFAU/jobpost-crawler/internal/identity"
)

type rewrite struct {
	match   *regexp.Regexp
	replace string
}

// Strategy is the compiled, read-only form of a source Config.
type Strategy struct {
	name         string
	sourceHostID string
	searchDomain string
	render       crawler.RenderMode
	keywords     []string
	detail       *regexp.Regexp
	rewrites     []rewrite
	canon        *canonical.Canonicalizer
	identity     *identity.Extractor
	metadata     *extract.Extractor
}

// Compile validates cfg and builds a Strategy.
func Compile(name string, cfg Config) (*Strategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	domain := strings.ToLower(strings.TrimSpace(cfg.SearchDomain))
	if domain == "" {
		return nil, fmt.Errorf("source %s: search_domain is required", name)
	}
	if strings.TrimSpace(cfg.DetailURLRegex) == "" {
		return nil, fmt.Errorf("source %s: detail_url_regex is required", name)
	}
	detail, err := regexp.Compile(cfg.DetailURLRegex)
	if err != nil {
		return nil, fmt.Errorf("source %s: compile detail_url_regex: %w", name, err)
	}

	render := crawler.RenderMode(strings.ToLower(strings.TrimSpace(cfg.Render)))
	switch render {
	case "":
		render = crawler.RenderNever
	case crawler.RenderNever, crawler.RenderAuto, crawler.RenderAlways:
	default:
		return nil, fmt.Errorf("source %s: unknown render mode %q", name, cfg.Render)
	}

	s := &Strategy{
		name:         name,
		sourceHostID: strings.TrimSpace(cfg.SourceHostID),
		searchDomain: domain,
		render:       render,
		keywords:     cleanList(cfg.Keywords),
		detail:       detail,
		canon:        canonical.New(cfg.IDParams...),
		metadata: extract.New(extract.Selectors{
			Title:       cleanList(cfg.Selectors.Title),
			Company:     cleanList(cfg.Selectors.Company),
			Location:    cleanList(cfg.Selectors.Location),
			PostingDate: cleanList(cfg.Selectors.PostingDate),
		}),
	}

	for i, rw := range cfg.Rewrites {
		re, err := regexp.Compile(rw.Match)
		if err != nil {
			return nil, fmt.Errorf("source %s: compile rewrite %d: %w", name, i, err)
		}
		s.rewrites = append(s.rewrites, rewrite{match: re, replace: rw.Replace})
	}

	var rules []identity.Rule
	if params := cleanList(cfg.IDParams); len(params) > 0 {
		rules = append(rules, identity.QueryParamRule{Params: params})
	}
	if p := strings.TrimSpace(cfg.PathIDPattern); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("source %s: compile path_id_pattern: %w", name, err)
		}
		rules = append(rules, identity.PathSegmentRule{Pattern: re})
	}
	rules = append(rules, identity.RegexGroupRule{Pattern: detail})
	for _, h := range cfg.HTMLID {
		if strings.TrimSpace(h.Selector) == "" {
			return nil, fmt.Errorf("source %s: html_id selector is required", name)
		}
		rules = append(rules, identity.HTMLAttributeRule{Selector: h.Selector, Attr: strings.TrimSpace(h.Attr)})
	}
	s.identity = identity.New(rules, detail)

	return s, nil
}

// CompileAll compiles every enabled source, sorted by name. Sources that fail
// to compile are skipped and reported as warnings.
func CompileAll(configs map[string]Config, logger *zap.Logger) ([]*Strategy, []string) {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		strategies []*Strategy
		warnings   []string
	)
	for _, name := range names {
		cfg := configs[name]
		if cfg.Enabled != nil && !*cfg.Enabled {
			logger.Debug("source disabled", zap.String("source", name))
			continue
		}
		s, err := Compile(name, cfg)
		if err != nil {
			logger.Warn("skipping misconfigured source", zap.String("source", name), zap.Error(err))
			warnings = append(warnings, err.Error())
			continue
		}
		strategies = append(strategies, s)
	}
	return strategies, warnings
}

// Name returns the source type tag.
func (s *Strategy) Name() string { return s.name }

// SourceHostID returns the configured host reference, or nil.
func (s *Strategy) SourceHostID() *string {
	if s.sourceHostID == "" {
		return nil
	}
	v := s.sourceHostID
	return &v
}

// SearchDomain returns the domain discovery queries are restricted to.
func (s *Strategy) SearchDomain() string { return s.searchDomain }

// Render returns the source's render mode.
func (s *Strategy) Render() crawler.RenderMode { return s.render }

// Keywords returns extra search keywords configured for the source.
func (s *Strategy) Keywords() []string { return append([]string(nil), s.keywords...) }

// Normalize applies the source's URL rewrites to raw.
func (s *Strategy) Normalize(raw string) string {
	out := strings.TrimSpace(raw)
	for _, rw := range s.rewrites {
		out = rw.match.ReplaceAllString(out, rw.replace)
	}
	return out
}

// Canonicalize rewrites and canonicalizes raw.
func (s *Strategy) Canonicalize(raw string) canonical.Result {
	return s.canon.Canonicalize(s.Normalize(raw))
}

// IsDetailURL reports whether raw, after rewrites, looks like a job detail page.
func (s *Strategy) IsDetailURL(raw string) bool {
	return s.detail.MatchString(s.Normalize(raw))
}

// Identity extracts the job ID and company guess.
func (s *Strategy) Identity(canonicalURL string, html []byte) identity.Identity {
	return s.identity.Extract(canonicalURL, html)
}

// Metadata extracts title, company, location and posting date.
func (s *Strategy) Metadata(html []byte, known extract.Known) extract.Metadata {
	return s.metadata.Extract(html, known)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
