package classify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

func strPtr(s string) *string { return &s }

func testFamilies() []Family {
	return []Family{
		{Name: "Engineering", Aliases: []string{"engineer", "developer", "SRE"}},
		{Name: "Data", Aliases: []string{"data scientist", "analyst", "engineer"}},
		{Name: "Sales", Aliases: []string{"account executive", "sales"}},
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	c := New(testFamilies())
	tests := []struct {
		title *string
		want  string
	}{
		{title: strPtr("Senior Backend ENGINEER"), want: "Engineering"},
		{title: strPtr("Data Engineer"), want: "Engineering"},
		{title: strPtr("Business Analyst"), want: "Data"},
		{title: strPtr("Enterprise Account Executive"), want: "Sales"},
		{title: strPtr("Head Chef"), want: crawler.FamilyUnknown},
		{title: strPtr("   "), want: crawler.FamilyUnknown},
		{title: nil, want: crawler.FamilyUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, c.Classify(tt.title))
	}
}

func TestClassifyOrderIsSignificant(t *testing.T) {
	t.Parallel()

	fams := testFamilies()
	reordered := New([]Family{fams[1], fams[0], fams[2]})
	require.Equal(t, "Data", reordered.Classify(strPtr("Data Engineer")))
	require.Equal(t, []string{"Data", "Engineering", "Sales"}, reordered.Families())
}

func TestClassifyEmptyTable(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawler.FamilyUnknown, New(nil).Classify(strPtr("Engineer")))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	c := New(testFamilies())
	require.Equal(t, "Sales", c.Resolve("Sales", strPtr("Software Engineer")))
	require.Equal(t, "Engineering", c.Resolve(crawler.FamilyUnknown, strPtr("Software Engineer")))
	require.Equal(t, "Engineering", c.Resolve("Unclassified", strPtr("Software Engineer")))
	require.Equal(t, "Engineering", c.Resolve("", strPtr("Software Engineer")))
	require.Equal(t, crawler.FamilyUnknown, c.Resolve("", nil))
}

func TestClassifyConcurrent(t *testing.T) {
	t.Parallel()

	c := New(testFamilies())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				require.Equal(t, "Engineering", c.Classify(strPtr("Site Reliability Engineer")))
			}
		}()
	}
	wg.Wait()
}
