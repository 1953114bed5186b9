package normalizer

import (
	"regexp"
	"strings"
	"time"

	"classly-backend/lib/timezone"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser *when.Parser

func init() {
	dueParser = when.New(nil)
	dueParser.Add(en.All...)
	dueParser.Add(common.All...)
}

var percentToken = regexp.MustCompile(`\d+(\.\d+)?%`)

// ParseDueText extracts a due timestamp from scraped text like
// "100% until 23:59, Tue, Feb 3" or "Due Feb 10 at 11:59pm". Platforms
// rarely include a year, so the result is anchored to the given base
// time in the campus timezone. Returns nil when nothing parseable is
// found.
func ParseDueText(text string, base time.Time) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// credit percentages ("100% until ...") confuse the date parser
	text = percentToken.ReplaceAllString(text, "")

	lower := strings.ToLower(text)
	for _, marker := range []string{"until", "due", "by"} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			text = text[idx+len(marker):]
			break
		}
	}
	// "23:59, Tue, Feb 3" reads better for the parser without commas
	text = strings.ReplaceAll(text, ",", " ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	r, err := dueParser.Parse(text, base.In(timezone.Location))
	if err != nil || r == nil {
		return nil
	}
	t := r.Time.In(timezone.Location)
	return &t
}
