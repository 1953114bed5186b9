package normalizer

import (
	"strconv"
	"strings"
	"time"

	"classly-backend/lib/textutil"
	"classly-backend/services/platforms"

	"github.com/antzucaro/matchr"
)

// Fallback is the deterministic rule-based strategy: fixed positional
// lookups on the shape each platform's fetcher produces. It never
// fails; a platform it doesn't know produces an empty list.
func Fallback(raw *platforms.RawResult, now time.Time) []CandidateTask {
	switch raw.Platform {
	case platforms.PrairieLearn:
		return fallbackPrairieLearn(raw, now)
	case platforms.Canvas:
		return fallbackCanvas(raw, now)
	}
	return nil
}

func fallbackPrairieLearn(raw *platforms.RawResult, now time.Time) []CandidateTask {
	var tasks []CandidateTask
	for _, row := range raw.Rows {
		title := textutil.CollapseSpaces(row.Title)
		if title == "" {
			continue
		}

		task := CandidateTask{
			Title:       title,
			Type:        classifyLabel(row.Label, TypeActivity),
			Status:      matchStatus(row.StatusText),
			SourceLabel: row.Label,
			DueAt:       ParseDueText(row.DueText, now),
		}
		if len(row.Links) > 0 {
			task.URL = row.Links[0].Href
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func fallbackCanvas(raw *platforms.RawResult, now time.Time) []CandidateTask {
	var tasks []CandidateTask
	for _, row := range raw.Rows {
		title := textutil.CollapseSpaces(row.Title)
		if title == "" {
			continue
		}

		task := CandidateTask{
			Title:       title,
			Type:        classifyLabel(title, TypeAssignment),
			Status:      StatusNotStarted,
			SourceLabel: row.Label,
			DueAt:       ParseDueText(row.DueText, now),
		}
		if len(row.Links) > 0 {
			task.URL = row.Links[0].Href
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// label prefixes that give away the task type, e.g. "HW2", "Quiz 3",
// "Lab 1", "MP4"
var labelTypes = []struct {
	prefix string
	t      TaskType
}{
	{"hw", TypeHomework},
	{"homework", TypeHomework},
	{"quiz", TypeQuiz},
	{"exam", TypeExam},
	{"midterm", TypeExam},
	{"final", TypeExam},
	{"lab", TypeLab},
	{"mp", TypeProject},
	{"project", TypeProject},
}

func classifyLabel(label string, fallback TaskType) TaskType {
	normalized := strings.ToLower(strings.TrimSpace(label))
	for _, lt := range labelTypes {
		if strings.HasPrefix(normalized, lt.prefix) {
			return lt.t
		}
	}
	return fallback
}

var statusNames = []struct {
	name   string
	status TaskStatus
}{
	{"not started", StatusNotStarted},
	{"in progress", StatusInProgress},
	{"completed", StatusCompleted},
	{"complete", StatusCompleted},
	{"overdue", StatusOverdue},
	{"past due", StatusOverdue},
}

// matchStatus maps free-form scraped status text onto the status enum.
// Percent scores map directly; anything else is matched against the
// known names, tolerating platform wording drift.
func matchStatus(text string) TaskStatus {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	if cleaned == "" {
		return StatusNotStarted
	}

	if idx := strings.Index(cleaned, "%"); idx > 0 {
		score, err := strconv.ParseFloat(strings.TrimSpace(cleaned[:idx]), 64)
		if err == nil {
			switch {
			case score <= 0:
				return StatusNotStarted
			case score >= 100:
				return StatusCompleted
			default:
				return StatusInProgress
			}
		}
	}

	best := StatusNotStarted
	var bestSim float64
	for _, s := range statusNames {
		sim := matchr.JaroWinkler(cleaned, s.name, false)
		if sim > bestSim {
			bestSim = sim
			best = s.status
		}
	}
	if bestSim < 0.8 {
		return StatusNotStarted
	}
	return best
}
