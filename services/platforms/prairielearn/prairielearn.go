// Package prairielearn scrapes the assessments table of a PrairieLearn
// course instance.
package prairielearn

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

var tracer = otel.Tracer("platforms/prairielearn")

var courseInstanceRegex = regexp.MustCompile(`/course_instance/(\d+)`)

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

	telemetry.InstrumentResty(client, "platforms/prairielearn/http")

	return &Fetcher{http: client}
}

func assessmentsUrl(sourceUrl string) (*url.URL, error) {
	base, err := url.Parse(sourceUrl)
	if err != nil {
		return nil, err
	}
	groups := courseInstanceRegex.FindStringSubmatch(base.Path)
	if len(groups) < 2 {
		return nil, fmt.Errorf("could not parse course_instance id from url: %s", sourceUrl)
	}
	if !strings.HasSuffix(strings.TrimRight(base.Path, "/"), "/assessments") {
		base.Path = strings.TrimRight(base.Path, "/") + "/assessments"
	}
	base.RawQuery = ""
	base.Fragment = ""
	return base, nil
}

func (f *Fetcher) Fetch(ctx context.Context, sourceUrl string, auth platforms.AuthContext) (*platforms.RawResult, error) {
	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()

	pageUrl, err := assessmentsUrl(sourceUrl)
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
		span.SetStatus(codes.Error, "failed to fetch assessments page")
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

	if doc.Find(`a[href*="/pl/login"], form[action*="login"]`).Length() > 0 &&
		doc.Find("table tbody tr").Length() == 0 {
		return nil, platforms.ErrAuthRequired
	}

	table := doc.Find("table").FilterFunction(func(_ int, t *goquery.Selection) bool {
		return t.Find("tbody tr").Length() > 0
	}).First()
	if table.Length() == 0 {
		// course instance with no published assessments
		return &platforms.RawResult{
			Platform:  platforms.PrairieLearn,
			SourceURL: sourceUrl,
			FetchedAt: time.Now(),
		}, nil
	}

	rows := scrapeAssessments(table, pageUrl)
	return &platforms.RawResult{
		Platform:  platforms.PrairieLearn,
		SourceURL: sourceUrl,
		Rows:      rows,
		FetchedAt: time.Now(),
	}, nil
}

// scrapeAssessments walks tbody rows. Single-cell rows are week
// separators; data rows carry label/title/due/status cells in that
// order.
func scrapeAssessments(table *goquery.Selection, base *url.URL) []platforms.Row {
	var rows []platforms.Row
	currentWeek := ""

	table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() <= 1 || tr.Find("th[colspan]").Length() > 0 {
			if text := htmlutil.CleanText(tr.Text()); text != "" {
				currentWeek = text
			}
			return
		}

		row := platforms.Row{Week: currentWeek}
		cells.Each(func(_ int, td *goquery.Selection) {
			row.Cells = append(row.Cells, htmlutil.CleanText(td.Text()))
			for _, anchor := range htmlutil.GetAnchors(td.Find("a[href]"), base) {
				row.Links = append(row.Links, platforms.Link{
					Text: anchor.Name,
					Href: anchor.Href,
				})
			}
		})

		if len(row.Cells) >= 4 {
			row.Label = row.Cells[0]
			row.Title = row.Cells[1]
			row.DueText = row.Cells[2]
			row.StatusText = row.Cells[3]
		} else if len(row.Cells) >= 2 {
			row.Label = row.Cells[0]
			row.Title = row.Cells[1]
		}

		rows = append(rows, row)
	})

	return rows
}
