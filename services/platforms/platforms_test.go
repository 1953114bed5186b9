package platforms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	require.Equal(t, PrairieLearn, Detect("https://foo.prairielearn.com/pl/course_instance/206336/assessments"))
	require.Equal(t, Canvas, Detect("https://canvas.example.edu/courses/66465"))
	require.Equal(t, Canvas, Detect("HTTPS://CANVAS.ILLINOIS.EDU/courses/1"))
	require.Equal(t, Gradescope, Detect("https://www.gradescope.com/courses/123"))
	require.Equal(t, Campuswire, Detect("https://campuswire.com/c/GCE159BBC"))
	require.Equal(t, Unknown, Detect("https://unknown.example.com/x"))
	require.Equal(t, Unknown, Detect(""))
}

type nopFetcher struct{}

func (nopFetcher) Fetch(ctx context.Context, url string, auth AuthContext) (*RawResult, error) {
	return &RawResult{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(Canvas)
	require.False(t, ok)

	r.Register(Canvas, nopFetcher{})
	f, ok := r.Lookup(Canvas)
	require.True(t, ok)
	require.NotNil(t, f)

	require.ElementsMatch(t, []Tag{Canvas}, r.Tags())
}
