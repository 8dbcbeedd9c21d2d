package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

var longParagraph = strings.Repeat("We are hiring engineers to build reliable data pipelines. ", 10)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 200, Body: []byte("  ")}))
}

func TestHeuristic_ShouldPromote_AppShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := `<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`
	require.True(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 200, Body: []byte(body)}))
}

func TestHeuristic_ShouldPromote_ScriptHeavyPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	body := `<html><body><script>` + longParagraph + `</script><p>Loading</p></body></html>`
	require.True(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 200, Body: []byte(body)}))
}

func TestHeuristic_ShouldPromote_RootWithoutHeading(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(50)
	body := `<html><body><div id="root"><p>` + longParagraph + `</p></div></body></html>`
	require.True(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 200, Body: []byte(body)}))
}

func TestHeuristic_ShouldPromote_RenderedPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(50)
	body := `<html><body><div id="root"><h1>Backend Engineer</h1><p>` + longParagraph + `</p></div></body></html>`
	require.False(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 200, Body: []byte(body)}))
}

func TestHeuristic_ShouldPromote_StructuredData(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := `<html><head><script type="application/ld+json">{"@type":"JobPosting","title":"SRE"}</script></head>` +
		`<body><div id="app"></div></body></html>`
	require.False(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 200, Body: []byte(body)}))
}

func TestHeuristic_ShouldPromote_DisabledForNon2xx(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	for _, code := range []int{301, 404, 429, 500} {
		require.False(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: code}), "status %d", code)
	}
}
