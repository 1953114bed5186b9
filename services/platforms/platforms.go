// Package platforms defines the platform taxonomy shared by the sync
// pipeline: detection of a platform from a source url, the raw shape
// scraped content comes back in, and the fetcher capability interface
// each supported platform implements.
package platforms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"classly-backend/lib/textutil"
)

type Tag string

const (
	Canvas       Tag = "canvas"
	PrairieLearn Tag = "prairielearn"
	Gradescope   Tag = "gradescope"
	Campuswire   Tag = "campuswire"
	Unknown      Tag = "unknown"
)

// domain fragments checked in order, first match wins
var fragments = []struct {
	needle string
	tag    Tag
}{
	{"prairielearn", PrairieLearn},
	{"canvas", Canvas},
	{"gradescope", Gradescope},
	{"campuswire", Campuswire},
}

// Detect maps a raw source url onto a platform tag. Pure and total:
// unknown hosts come back as Unknown, never as an error.
func Detect(rawUrl string) Tag {
	for _, f := range fragments {
		if textutil.MatchName(rawUrl, []string{f.needle}) {
			return f.tag
		}
	}
	return Unknown
}

// AuthContext carries whatever a platform fetcher needs to act as the
// student. Which field is honored depends on the fetcher.
type AuthContext struct {
	UserID string
	// raw Cookie header value captured from an authenticated session
	Cookie string
	// bearer token, for platforms with token auth
	Token string
}

type Link struct {
	Text string
	Href string
}

// Row is one scraped item: an assignment row, an assessment table row,
// etc. Cells preserves the positional text of the source row so the
// fallback normalizer can do fixed-index lookups; the named fields are
// the fetcher's best-effort mapping of the interesting cells.
type Row struct {
	Label      string
	Title      string
	DueText    string
	StatusText string
	// week separator heading the row appeared under, if any
	Week  string
	Cells []string
	Links []Link
}

// RawResult is the ephemeral output of one fetch. It is never
// persisted. Zero rows with no error means the source genuinely has
// nothing to report.
type RawResult struct {
	Platform  Tag
	SourceURL string
	Rows      []Row
	// free-text blob for platforms that don't produce tabular data
	Text      string
	FetchedAt time.Time
}

var (
	// the fetcher could not obtain authorized content; surface to the
	// user, do not retry automatically
	ErrAuthRequired = errors.New("authentication required")
	// the source url does not resolve to scrapeable content
	ErrNotFound = errors.New("source not found")
	// no fetcher is registered for the platform
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// transient or permanent fetch failure, eligible for retry on the
	// next sync invocation
	ErrFetchFailed = errors.New("fetch failed")
)

// FetchFailed wraps a transport-level cause in ErrFetchFailed.
func FetchFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrFetchFailed, err)
}

// Fetcher retrieves current raw content for a source url. Fetches are
// idempotent reads of platform state and must respect ctx deadlines;
// implementations bound each attempt to tens of seconds.
type Fetcher interface {
	Fetch(ctx context.Context, sourceUrl string, auth AuthContext) (*RawResult, error)
}

// Registry maps platform tags to fetcher implementations. Adding a
// platform means registering an implementation here, not growing a
// switch somewhere.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[Tag]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[Tag]Fetcher)}
}

func (r *Registry) Register(tag Tag, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[tag] = f
}

func (r *Registry) Lookup(tag Tag) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[tag]
	return f, ok
}

func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]Tag, 0, len(r.fetchers))
	for t := range r.fetchers {
		tags = append(tags, t)
	}
	return tags
}
