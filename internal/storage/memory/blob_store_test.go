package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "postings/p1/abc.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://postings/p1/abc.html", uri)

	payload[0] = 'C'
	stored, ok := store.Object("postings/p1/abc.html")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, 1, store.Len())
}
