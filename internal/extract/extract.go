// Package extract parses job-posting HTML into title, company, location and
// posting date.
//
// Each field is resolved independently, first match wins:
//  1. schema.org JobPosting JSON-LD blocks
//  2. source-configured CSS selectors (meta tags read their content attribute)
//  3. a "City, ST" scan of the visible text (location only)
//  4. values the caller already knew from discovery
//  5. the first h1, then <title> (title only)
//
// Missing fields are not errors; they stay nil.
package extract

import (
	"bytes"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Length caps applied to every returned field.
const (
	MaxTitleLength    = 140
	MaxLocationLength = 255
	MaxCompanyLength  = 255
)

// Selectors are ordered CSS selector lists per field.
type Selectors struct {
	Title       []string
	Company     []string
	Location    []string
	PostingDate []string
}

// Known carries values the caller already has for the posting.
type Known struct {
	Title    string
	Location string
}

// Metadata is the extractor output.
type Metadata struct {
	Title       *string
	Company     *string
	Location    *string
	PostingDate *time.Time
}

// Extractor applies the resolution chain with a fixed selector set.
type Extractor struct {
	selectors Selectors
}

// New returns an Extractor for one source's selectors.
func New(selectors Selectors) *Extractor {
	return &Extractor{selectors: selectors}
}

var cityStatePattern = regexp.MustCompile(`\b([A-Z][A-Za-z.'-]+(?: [A-Z][A-Za-z.'-]+){0,3}), ([A-Z]{2})\b`)

// Extract parses html. Unparseable HTML yields whatever the known values provide.
func (e *Extractor) Extract(html []byte, known Known) Metadata {
	var title, company, location, date string

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err == nil {
		if posting, ok := findJobPosting(doc); ok {
			title = posting.Title
			company = posting.Company
			location = posting.Location
			date = posting.DatePosted
		}

		if title == "" {
			title = firstMatch(doc, e.selectors.Title)
		}
		if company == "" {
			company = firstMatch(doc, e.selectors.Company)
		}
		if location == "" {
			location = firstMatch(doc, e.selectors.Location)
		}
		if date == "" {
			date = firstMatch(doc, e.selectors.PostingDate)
		}
	}

	if location == "" && doc != nil {
		location = scanCityState(doc)
	}
	if title == "" {
		title = clean(known.Title)
	}
	if location == "" {
		location = clean(known.Location)
	}
	if title == "" && doc != nil {
		title = clean(doc.Find("h1").First().Text())
		if title == "" {
			title = clean(doc.Find("title").First().Text())
		}
	}

	return Metadata{
		Title:       capped(title, MaxTitleLength),
		Company:     capped(company, MaxCompanyLength),
		Location:    capped(location, MaxLocationLength),
		PostingDate: ParseDate(date),
	}
}

// firstMatch returns the first non-empty value over selectors in order.
func firstMatch(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		var found string
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if goquery.NodeName(sel) == "meta" {
				found, _ = sel.Attr("content")
			} else {
				found = sel.Text()
			}
			found = clean(found)
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func scanCityState(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	text := clean(body.Text())
	if m := cityStatePattern.FindStringSubmatch(text); m != nil {
		return m[1] + ", " + m[2]
	}
	return ""
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

var leadingDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// ParseDate normalizes s to a calendar date at UTC midnight, or nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return calendarDate(t)
		}
	}
	if prefix := leadingDate.FindString(s); prefix != "" {
		if t, err := time.Parse("2006-01-02", prefix); err == nil {
			return calendarDate(t)
		}
	}
	return nil
}

func calendarDate(t time.Time) *time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

// clean trims and collapses internal whitespace.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func capped(s string, limit int) *string {
	s = clean(s)
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) > limit {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:limit]))
	}
	return &s
}
