// Package canvas scrapes assignment listings off a Canvas course page.
package canvas

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"classly-backend/lib/htmlutil"
	"classly-backend/lib/telemetry"
	"classly-backend/services/platforms"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("platforms/canvas")

var courseIdRegex = regexp.MustCompile(`/courses/(\d+)`)

type Fetcher struct {
	http *resty.Client
}

var _ platforms.Fetcher = (*Fetcher)(nil)

func NewFetcher() *Fetcher {
	client := resty.New()
	jar, _ := cookiejar.New(nil)
	client.SetCookieJar(jar)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "platforms/canvas/http")

	return &Fetcher{http: client}
}

// assignmentsUrl normalizes any url inside a course to the course's
// assignments index.
func assignmentsUrl(sourceUrl string) (*url.URL, error) {
	base, err := url.Parse(sourceUrl)
	if err != nil {
		return nil, err
	}
	groups := courseIdRegex.FindStringSubmatch(base.Path)
	if len(groups) < 2 {
		return nil, fmt.Errorf("could not parse course id from url: %s", sourceUrl)
	}
	base.Path = fmt.Sprintf("/courses/%s/assignments", groups[1])
	base.RawQuery = ""
	base.Fragment = ""
	return base, nil
}

func (f *Fetcher) Fetch(ctx context.Context, sourceUrl string, auth platforms.AuthContext) (*platforms.RawResult, error) {
	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()

	pageUrl, err := assignmentsUrl(sourceUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %s", platforms.ErrNotFound, err)
	}

	req := f.http.R().SetContext(ctx)
	if auth.Cookie != "" {
		req.SetHeader("cookie", auth.Cookie)
	}
	res, err := req.Get(pageUrl.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch assignments page")
		return nil, platforms.FetchFailed(err)
	}
	if res.StatusCode() == 401 || res.StatusCode() == 403 {
		return nil, platforms.ErrAuthRequired
	}
	if res.StatusCode() == 404 {
		return nil, platforms.ErrNotFound
	}
	if res.StatusCode() >= 400 {
		return nil, platforms.FetchFailed(fmt.Errorf("status %d", res.StatusCode()))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return nil, platforms.FetchFailed(err)
	}

	// an unauthenticated session gets bounced to the login form
	// rather than a 401
	if doc.Find("form#login_form, input[name=pseudonym_session\\[unique_id\\]]").Length() > 0 {
		return nil, platforms.ErrAuthRequired
	}

	rows := scrapeAssignments(doc, pageUrl)
	return &platforms.RawResult{
		Platform:  platforms.Canvas,
		SourceURL: sourceUrl,
		Rows:      rows,
		FetchedAt: time.Now(),
	}, nil
}

// scrapeAssignments walks assignment anchors on the index page. Each
// anchor's nearest list-item text is scanned for a "Due ..." fragment.
func scrapeAssignments(doc *goquery.Document, base *url.URL) []platforms.Row {
	var rows []platforms.Row
	seen := map[string]bool{}

	doc.Find(`a[href*="/assignments/"]`).Each(func(_ int, a *goquery.Selection) {
		href := a.AttrOr("href", "")
		title := htmlutil.CleanText(a.Text())
		if title == "" || strings.Contains(href, "/assignments/syllabus") {
			return
		}

		link, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(link).String()
		if seen[resolved] {
			return
		}
		seen[resolved] = true

		dueText := ""
		item := a.Closest("li")
		if item.Length() > 0 {
			text := htmlutil.CleanText(item.Text())
			if idx := strings.Index(strings.ToLower(text), "due"); idx >= 0 {
				dueText = text[idx:]
			}
		}

		rows = append(rows, platforms.Row{
			Title:   title,
			DueText: dueText,
			Cells:   []string{title, dueText},
			Links:   []platforms.Link{{Text: title, Href: resolved}},
		})
	})

	return rows
}
