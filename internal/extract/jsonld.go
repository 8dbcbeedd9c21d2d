package extract

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// jobPosting is the flattened subset of a schema.org JobPosting we read.
type jobPosting struct {
	Title      string
	Company    string
	Location   string
	DatePosted string
}

// findJobPosting returns the first JobPosting node across all JSON-LD blocks.
// Invalid blocks are skipped.
func findJobPosting(doc *goquery.Document) (jobPosting, bool) {
	var (
		out   jobPosting
		found bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		var data any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return true
		}
		if node := locateJobPosting(data); node != nil {
			out = flatten(node)
			found = true
			return false
		}
		return true
	})
	return out, found
}

// locateJobPosting walks objects, arrays and @graph containers.
func locateJobPosting(data any) map[string]any {
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			if node := locateJobPosting(item); node != nil {
				return node
			}
		}
	case map[string]any:
		if isJobPosting(v["@type"]) {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			return locateJobPosting(graph)
		}
	}
	return nil
}

func isJobPosting(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, "JobPosting")
	case []any:
		for _, item := range v {
			if isJobPosting(item) {
				return true
			}
		}
	}
	return false
}

func flatten(node map[string]any) jobPosting {
	return jobPosting{
		Title:      str(node["title"]),
		Company:    organizationName(node["hiringOrganization"]),
		Location:   flattenLocation(node["jobLocation"]),
		DatePosted: str(node["datePosted"]),
	}
}

func organizationName(v any) string {
	switch org := v.(type) {
	case string:
		return strings.TrimSpace(org)
	case map[string]any:
		return str(org["name"])
	case []any:
		for _, item := range org {
			if name := organizationName(item); name != "" {
				return name
			}
		}
	}
	return ""
}

// flattenLocation renders the first jobLocation as "locality, region, country".
func flattenLocation(v any) string {
	switch loc := v.(type) {
	case string:
		return strings.TrimSpace(loc)
	case []any:
		for _, item := range loc {
			if s := flattenLocation(item); s != "" {
				return s
			}
		}
	case map[string]any:
		if addr, ok := loc["address"]; ok {
			return flattenAddress(addr)
		}
		return flattenAddress(loc)
	}
	return ""
}

func flattenAddress(v any) string {
	switch addr := v.(type) {
	case string:
		return strings.TrimSpace(addr)
	case map[string]any:
		parts := make([]string, 0, 3)
		for _, key := range []string{"addressLocality", "addressRegion", "addressCountry"} {
			var s string
			if key == "addressCountry" {
				s = organizationName(addr[key])
			} else {
				s = str(addr[key])
			}
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
