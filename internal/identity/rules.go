package identity

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

var errNoHTML = errors.New("no html")

// QueryParamRule reads the first present query parameter.
type QueryParamRule struct {
	Params []string
}

// Kind implements Rule.
func (QueryParamRule) Kind() string { return "query-param" }

// JobID implements Rule.
func (r QueryParamRule) JobID(in *Input) string {
	if in.URL == nil {
		return ""
	}
	q := in.URL.Query()
	for _, name := range r.Params {
		if v := strings.TrimSpace(q.Get(strings.ToLower(name))); v != "" {
			return v
		}
	}
	return ""
}

// PathSegmentRule returns the last path segment fully matching Pattern.
type PathSegmentRule struct {
	Pattern *regexp.Regexp
}

// Kind implements Rule.
func (PathSegmentRule) Kind() string { return "path-segment" }

// JobID implements Rule.
func (r PathSegmentRule) JobID(in *Input) string {
	if in.URL == nil || r.Pattern == nil {
		return ""
	}
	segments := strings.Split(strings.Trim(in.URL.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" || IsReserved(seg) {
			continue
		}
		if loc := r.Pattern.FindStringIndex(seg); loc != nil && loc[0] == 0 && loc[1] == len(seg) {
			return seg
		}
	}
	return ""
}

// RegexGroupRule applies Pattern to the canonical URL and picks the capture
// group most likely to be an identifier. A group named "id" takes precedence.
type RegexGroupRule struct {
	Pattern *regexp.Regexp
}

// Kind implements Rule.
func (RegexGroupRule) Kind() string { return "regex-group" }

// JobID implements Rule.
func (r RegexGroupRule) JobID(in *Input) string {
	if r.Pattern == nil {
		return ""
	}
	m := r.Pattern.FindStringSubmatch(in.CanonicalURL)
	if m == nil {
		return ""
	}
	if idx := r.Pattern.SubexpIndex("id"); idx > 0 && !IsReserved(m[idx]) {
		return m[idx]
	}
	return BestIDGroup(m[1:])
}

// BestIDGroup prefers groups containing a digit, then longer alphanumeric
// length; on a tie a group that is not purely numeric wins. Empty groups and
// reserved words are never chosen.
//
// The digit rule outranks length: "4821" beats "senior-backend-engineer".
func BestIDGroup(groups []string) string {
	best, bestScore := "", 0
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" || IsReserved(g) {
			continue
		}
		score := 2 * alnumLen(g)
		if !numeric(g) {
			score++
		}
		if hasDigit(g) {
			score += 2 * (MaxIDLength + 1)
		}
		if score > bestScore {
			best, bestScore = g, score
		}
	}
	return best
}

// HTMLAttributeRule reads Attr (or the text when Attr is empty) of the first
// element matching Selector with a non-empty value.
type HTMLAttributeRule struct {
	Selector string
	Attr     string
}

// Kind implements Rule.
func (HTMLAttributeRule) Kind() string { return "html-attribute" }

// JobID implements Rule.
func (r HTMLAttributeRule) JobID(in *Input) string {
	doc, err := in.Document()
	if err != nil || r.Selector == "" {
		return ""
	}
	var found string
	doc.Find(r.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var v string
		if r.Attr == "" {
			v = sel.Text()
		} else {
			v, _ = sel.Attr(r.Attr)
		}
		found = strings.TrimSpace(v)
		return found == ""
	})
	return found
}

func alnumLen(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func numeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
