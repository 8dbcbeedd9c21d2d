// Package identity derives a source-specific job identifier and a hiring
// company guess from a canonical posting URL and its HTML.
//
// Job IDs come from an ordered list of rules; the first rule producing a
// usable value wins. Both outputs may be nil.
package identity

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// MaxIDLength bounds accepted job identifiers.
const MaxIDLength = 128

// Identity is the extractor output.
type Identity struct {
	JobID   *string
	Company *string
}

// Rule produces a job ID candidate, or "" when it does not apply.
type Rule interface {
	Kind() string
	JobID(in *Input) string
}

// Input carries the values a rule may inspect. The HTML document is parsed at
// most once, on first use.
type Input struct {
	CanonicalURL string
	URL          *url.URL
	HTML         []byte

	doc    *goquery.Document
	docErr error
	parsed bool
}

// NewInput parses canonicalURL; an unparseable URL leaves URL nil.
func NewInput(canonicalURL string, html []byte) *Input {
	in := &Input{CanonicalURL: canonicalURL, HTML: html}
	if u, err := url.Parse(canonicalURL); err == nil && u.Host != "" {
		in.URL = u
	}
	return in
}

// Document returns the parsed HTML document.
func (in *Input) Document() (*goquery.Document, error) {
	if !in.parsed {
		in.parsed = true
		if len(in.HTML) == 0 {
			in.docErr = errNoHTML
		} else {
			in.doc, in.docErr = goquery.NewDocumentFromReader(bytes.NewReader(in.HTML))
		}
	}
	return in.doc, in.docErr
}

// Extractor evaluates a rule list and guesses the company.
type Extractor struct {
	rules   []Rule
	pattern *regexp.Regexp
}

// New builds an Extractor. companyPattern is the source's detail URL regex and
// may be nil; its "company-like" capture group feeds the company guess.
func New(rules []Rule, companyPattern *regexp.Regexp) *Extractor {
	return &Extractor{rules: rules, pattern: companyPattern}
}

// Extract runs the rules in order and then guesses the company.
func (e *Extractor) Extract(canonicalURL string, html []byte) Identity {
	in := NewInput(canonicalURL, html)

	var out Identity
	for _, rule := range e.rules {
		if id := acceptID(rule.JobID(in)); id != "" {
			out.JobID = &id
			break
		}
	}

	jobID := ""
	if out.JobID != nil {
		jobID = *out.JobID
	}
	if company := e.guessCompany(in, jobID); company != "" {
		out.Company = &company
	}
	return out
}

func (e *Extractor) guessCompany(in *Input, jobID string) string {
	if e.pattern != nil {
		if c := CompanyFromGroups(e.pattern, in.CanonicalURL, jobID); c != "" {
			return c
		}
	}
	if in.URL != nil {
		return CompanyFromHost(in.URL.Hostname())
	}
	return ""
}

func acceptID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > MaxIDLength {
		return ""
	}
	return v
}

var reservedWords = map[string]struct{}{
	"job": {}, "jobs": {}, "apply": {}, "careers": {}, "career": {},
	"posting": {}, "postings": {}, "view": {}, "details": {}, "position": {},
	"positions": {}, "opening": {}, "openings": {}, "embed": {}, "en": {}, "en-us": {},
}

var genericLabels = map[string]struct{}{
	"www": {}, "jobs": {}, "careers": {}, "boards": {}, "apply": {},
	"job-boards": {}, "hire": {}, "recruiting": {}, "career": {},
}

// IsReserved reports whether s is a path word that can never be an ID or company.
func IsReserved(s string) bool {
	_, ok := reservedWords[strings.ToLower(s)]
	return ok
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// LooksLikeID reports whether s is numeric, a UUID, or a long token mixing
// letters and digits.
func LooksLikeID(s string) bool {
	if s == "" {
		return false
	}
	if uuidPattern.MatchString(s) {
		return true
	}
	var letters, digits int
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}
	if digits > 0 && letters == 0 {
		return true
	}
	return digits > 0 && len(s) >= 6
}

// CompanyFromGroups returns the first company-like capture group of pattern
// applied to s. A group named "company" takes precedence.
func CompanyFromGroups(pattern *regexp.Regexp, s, jobID string) string {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if idx := pattern.SubexpIndex("company"); idx > 0 && companyLike(m[idx], jobID) {
		return m[idx]
	}
	for _, g := range m[1:] {
		if companyLike(g, jobID) {
			return g
		}
	}
	return ""
}

func companyLike(g, jobID string) bool {
	g = strings.TrimSpace(g)
	if g == "" || g == jobID || IsReserved(g) || LooksLikeID(g) {
		return false
	}
	return true
}

// CompanyFromHost returns the first subdomain label that is not generic.
// The registrable domain (last two labels) is never used.
func CompanyFromHost(host string) string {
	labels := strings.Split(strings.ToLower(strings.TrimSuffix(host, ".")), ".")
	if len(labels) <= 2 {
		return ""
	}
	for _, label := range labels[:len(labels)-2] {
		if _, generic := genericLabels[label]; generic {
			continue
		}
		if label == "" || LooksLikeID(label) {
			continue
		}
		return label
	}
	return ""
}
