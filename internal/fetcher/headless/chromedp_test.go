package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 2, cap(f.slots))
	assert.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	assert.Equal(t, defaultSettleDelay, f.cfg.SettleDelay)

	f, err = NewChromedp(Config{SettleDelay: -time.Second})
	require.NoError(t, err)
	defer f.Close()
	assert.Nil(t, f.slots)
	assert.Zero(t, f.cfg.SettleDelay)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{slots: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, f.acquire(ctx))

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := toNetworkHeaders(http.Header{
		"X-Multi":  {"a", "b"},
		"X-Single": {"one"},
		"X-Empty":  {},
	})
	assert.Equal(t, "one", h["X-Single"])
	assert.Equal(t, []string{"a", "b"}, h["X-Multi"])
	_, ok := h["X-Empty"]
	assert.False(t, ok)
}

func TestDocumentResponseRecordsMainDocument(t *testing.T) {
	t.Parallel()

	doc := newDocumentResponse()
	doc.onEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	doc.onEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://careers.example.com/jobs/1",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})

	status, headers, url := doc.resolve("https://req", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, "https://careers.example.com/jobs/1", url)
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := newDocumentResponse().resolve("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, headers)
	assert.Equal(t, "https://final", url)

	_, _, url = newDocumentResponse().resolve("https://req", "")
	assert.Equal(t, "https://req", url)
}
