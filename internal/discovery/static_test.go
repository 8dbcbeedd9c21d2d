package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

func TestStaticDiscover(t *testing.T) {
	fixtures := map[string][]crawler.Candidate{
		"greenhouse": {
			{Link: "https://boards.example.io/acme/jobs/1", Title: "Backend Engineer"},
			{Link: "https://boards.example.io/acme/jobs/2", Title: "Account Executive", FamilyHint: "sales"},
			{Link: "https://boards.example.io/acme/jobs/3", Title: "SRE", FamilyHint: "engineering"},
		},
	}
	d := NewStatic(fixtures)
	fixtures["greenhouse"][0].Title = "mutated"

	got, err := d.Discover(context.Background(), crawler.DiscoveryQuery{Source: "greenhouse", Family: "engineering"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Backend Engineer", got[0].Title)
	assert.Equal(t, "engineering", got[0].FamilyHint)
	assert.Equal(t, "https://boards.example.io/acme/jobs/3", got[1].Link)

	got, err = d.Discover(context.Background(), crawler.DiscoveryQuery{Source: "greenhouse", MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = d.Discover(context.Background(), crawler.DiscoveryQuery{Source: "lever"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
