// Package detector decides when a statically fetched posting page must be
// re-fetched through the headless browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

// DefaultMinTextLength is the visible text length below which a page is
// assumed to be an unrendered client-side shell.
const DefaultMinTextLength = 200

const appRootSelector = `#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [ng-version]`

// Heuristic promotes pages that look like client-rendered shells.
type Heuristic struct {
	MinTextLength int
}

// NewHeuristic creates a new detector. A non-positive minText uses
// DefaultMinTextLength.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = DefaultMinTextLength
	}
	return &Heuristic{MinTextLength: minText}
}

// ShouldPromote reports whether a 2xx probe needs a headless render. Pages
// carrying JobPosting JSON-LD never need one.
func (h *Heuristic) ShouldPromote(probe crawler.FetchResponse) bool {
	if probe.StatusCode < 200 || probe.StatusCode > 299 {
		return false
	}
	if len(bytes.TrimSpace(probe.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(probe.Body))
	if err != nil {
		return false
	}
	if hasStructuredPosting(doc) {
		return false
	}

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(body.Text()), " ")
	if len(text) < h.MinTextLength {
		return true
	}
	return doc.Find(appRootSelector).Length() > 0 && doc.Find("h1").Length() == 0
}

func hasStructuredPosting(doc *goquery.Document) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = strings.Contains(s.Text(), "JobPosting")
		return !found
	})
	return found
}
