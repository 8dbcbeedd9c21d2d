package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func val(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func TestExtractJSONLD(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Careers | Acme</title>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"JobPosting",
 "title":"Backend Engineer","hiringOrganization":{"@type":"Organization","name":"Acme"},
 "jobLocation":{"@type":"Place","address":{"addressLocality":"NYC"}},
 "datePosted":"2024-03-01T09:30:00-05:00"}</script></head>
<body><h1>Something else</h1></body></html>`

	md := New(Selectors{}).Extract([]byte(html), Known{})
	require.Equal(t, "Backend Engineer", val(md.Title))
	require.Equal(t, "Acme", val(md.Company))
	require.Equal(t, "NYC", val(md.Location))
	require.NotNil(t, md.PostingDate)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *md.PostingDate)
}

func TestExtractJSONLDGraphAndArrayLocation(t *testing.T) {
	t.Parallel()

	html := `<script type="application/ld+json">not json</script>
<script type="application/ld+json">{"@graph":[{"@type":"WebPage"},{"@type":["JobPosting"],
 "title":"Data Analyst","hiringOrganization":"Globex",
 "jobLocation":[{"address":{"addressLocality":"Austin","addressRegion":"TX","addressCountry":{"name":"US"}}}],
 "datePosted":"2023-12-24"}]}</script>`

	md := New(Selectors{}).Extract([]byte(html), Known{})
	require.Equal(t, "Data Analyst", val(md.Title))
	require.Equal(t, "Globex", val(md.Company))
	require.Equal(t, "Austin, TX, US", val(md.Location))
	require.Equal(t, "2023-12-24", md.PostingDate.Format("2006-01-02"))
}

func TestExtractSelectorsFillGaps(t *testing.T) {
	t.Parallel()

	html := `<html><head><meta name="job-location" content=" Remote - US "></head>
<body><div class="location"></div><div class="company">Initech</div>
<span class="posted">March 5, 2024</span><h1>Staff Engineer</h1></body></html>`

	ex := New(Selectors{
		Company:     []string{".missing", ".company"},
		Location:    []string{".location", `meta[name="job-location"]`},
		PostingDate: []string{".posted"},
	})
	md := ex.Extract([]byte(html), Known{})
	require.Equal(t, "Staff Engineer", val(md.Title))
	require.Equal(t, "Initech", val(md.Company))
	require.Equal(t, "Remote - US", val(md.Location))
	require.Equal(t, "2024-03-05", md.PostingDate.Format("2006-01-02"))
}

func TestExtractCityStateFallback(t *testing.T) {
	t.Parallel()

	html := `<html><body><script>var x = "Fake City, ZZ";</script>
<p>This role is based in San Francisco, CA with hybrid options.</p></body></html>`

	md := New(Selectors{}).Extract([]byte(html), Known{})
	require.Equal(t, "San Francisco, CA", val(md.Location))
}

func TestExtractKnownValuesBeforeGenericTitle(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Jobs at Acme</title></head><body><p>apply now</p></body></html>`

	md := New(Selectors{}).Extract([]byte(html), Known{Title: "Platform Engineer", Location: "Denver"})
	require.Equal(t, "Platform Engineer", val(md.Title))
	require.Equal(t, "Denver", val(md.Location))

	md = New(Selectors{}).Extract([]byte(html), Known{})
	require.Equal(t, "Jobs at Acme", val(md.Title))
}

func TestExtractNothingFound(t *testing.T) {
	t.Parallel()

	md := New(Selectors{Location: []string{".loc"}}).Extract([]byte(`<html><body><p>nothing here</p></body></html>`), Known{})
	require.Nil(t, md.Title)
	require.Nil(t, md.Company)
	require.Nil(t, md.Location)
	require.Nil(t, md.PostingDate)
}

func TestExtractCapsLengths(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 300)
	html := `<html><body><h1>` + long + `</h1><div class="loc">` + long + `</div></body></html>`

	md := New(Selectors{Location: []string{".loc"}}).Extract([]byte(html), Known{})
	require.Equal(t, MaxTitleLength, len([]rune(val(md.Title))))
	require.Equal(t, MaxLocationLength, len([]rune(val(md.Location))))
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	require.Nil(t, ParseDate(""))
	require.Nil(t, ParseDate("yesterday"))
	require.Equal(t, "2024-01-31", ParseDate("2024-01-31T23:59:59").Format("2006-01-02"))
	require.Equal(t, "2024-01-31", ParseDate("2024-01-31 garbage").Format("2006-01-02"))
	require.Equal(t, "2024-02-01", ParseDate("02/01/2024").Format("2006-01-02"))
}
