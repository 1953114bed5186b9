// Package normalizer converts raw scraped platform content into
// candidate task records pending reconciliation.
//
// Two interchangeable strategies produce the same output shape: a rich
// strategy that asks a language model to structure the raw content, and
// a deterministic rule-based fallback keyed on the positional shape
// each platform's fetcher produces. The fallback engages automatically
// and silently whenever the rich strategy is unconfigured, errors, or
// returns output that does not validate.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"classly-backend/lib/telemetry"
	"classly-backend/lib/textutil"
	"classly-backend/lib/timezone"
	"classly-backend/services/platforms"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/normalizer")

type TaskType string

const (
	TypeAssignment TaskType = "assignment"
	TypeQuiz       TaskType = "quiz"
	TypeExam       TaskType = "exam"
	TypeActivity   TaskType = "activity"
	TypeHomework   TaskType = "homework"
	TypeLab        TaskType = "lab"
	TypeProject    TaskType = "project"
)

func ValidTaskType(t TaskType) bool {
	switch t {
	case TypeAssignment, TypeQuiz, TypeExam, TypeActivity, TypeHomework, TypeLab, TypeProject:
		return true
	}
	return false
}

type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not_started"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusOverdue    TaskStatus = "overdue"
)

func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusOverdue:
		return true
	}
	return false
}

// CandidateTask is an unpersisted task record produced by
// normalization. Title is always non-empty; candidates without one are
// dropped before they get here.
type CandidateTask struct {
	Title       string
	Type        TaskType
	DueAt       *time.Time
	URL         string
	Status      TaskStatus
	SourceLabel string
}

// ClassContext gives the strategies enough course identity to
// disambiguate labels like "HW2".
type ClassContext struct {
	ID    string
	Code  string
	Title string
}

type OutcomeKind int

const (
	// the rich strategy produced the tasks
	OutcomeSuccess OutcomeKind = iota
	// the rule-based fallback produced the tasks; Reason says why
	OutcomeDegraded
	// no strategy could run at all
	OutcomeFailed
)

// Outcome is the tagged result of one normalization. Callers can
// assert which strategy ran instead of grepping logs.
type Outcome struct {
	Kind   OutcomeKind
	Tasks  []CandidateTask
	Reason string
}

// RichConfig points the rich strategy at an OpenAI-compatible
// chat-completions endpoint. A zero value disables the rich strategy.
type RichConfig struct {
	Endpoint string `json:"endpoint"`
	ApiKey   string `json:"api_key"`
	Model    string `json:"model"`
}

func (c RichConfig) enabled() bool {
	return c.Endpoint != "" && c.ApiKey != "" && c.Model != ""
}

type Service struct {
	cfg  RichConfig
	http *resty.Client
	now  func() time.Time
}

func NewService(cfg RichConfig) *Service {
	client := resty.New()
	client.SetTimeout(time.Second * 30)
	telemetry.InstrumentResty(client, "services/normalizer/http")

	return &Service{
		cfg:  cfg,
		http: client,
		now:  timezone.Now,
	}
}

// Normalize converts one raw fetch result into candidate tasks. It
// never returns an error: a degraded or empty outcome is still an
// outcome, and the pipeline keeps moving.
func (s *Service) Normalize(ctx context.Context, raw *platforms.RawResult, class ClassContext) Outcome {
	ctx, span := tracer.Start(ctx, "Normalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("platform", string(raw.Platform)),
		attribute.String("class", class.Code),
	)

	if !s.cfg.enabled() {
		return s.fallbackOutcome(ctx, raw, "rich normalizer not configured")
	}

	tasks, err := s.normalizeRich(ctx, raw, class)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rich normalizer failed")
		return s.fallbackOutcome(ctx, raw, err.Error())
	}

	span.SetAttributes(attribute.Int("tasks", len(tasks)))
	return Outcome{Kind: OutcomeSuccess, Tasks: tasks}
}

func (s *Service) fallbackOutcome(ctx context.Context, raw *platforms.RawResult, reason string) Outcome {
	tasks := Fallback(raw, s.now())
	return Outcome{
		Kind:   OutcomeDegraded,
		Tasks:  tasks,
		Reason: reason,
	}
}

const systemPrompt = `You are a data parser that converts raw scraped course data into structured task objects.

Given raw scraped data from a course platform, extract each assignment/assessment as a task object.

Return a JSON array of task objects with these fields:
- title: string (the assignment/assessment name)
- task_type: string (one of: "assignment", "quiz", "exam", "activity", "homework", "lab", "project")
- due_at: string or null (ISO 8601 datetime if a due date is found, null otherwise)
- url: string or null (link to the assignment if available)
- status: string (one of: "not_started", "in_progress", "completed", "overdue")
- source_label: string (the label/identifier like "A1", "HW2", "Quiz 3")

Parse dates relative to the current date given below. If only partial date info is given (like "Feb 3"), assume the current year.
Extract status from text like "Not started", "0%", "100%", etc.

Return ONLY a valid JSON array, no explanation.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// rawDataLimit bounds how much serialized scrape output goes into the
// prompt so a huge page cannot blow the model's context window.
const rawDataLimit = 8000

// truncateRunes cuts s to at most limit bytes, backing up to the
// nearest rune boundary so the tail is never invalid utf8.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func (s *Service) normalizeRich(ctx context.Context, raw *platforms.RawResult, class ClassContext) ([]CandidateTask, error) {
	serialized, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, err
	}
	data := truncateRunes(string(serialized), rawDataLimit)

	userPrompt := fmt.Sprintf(
		"Platform: %s\nClass: %s - %s\nCurrent date: %s\n\nRaw scraped data:\n%s\n\nExtract all tasks as a JSON array:",
		raw.Platform, class.Code, class.Title,
		s.now().Format("2006-01-02"),
		data,
	)

	res, err := s.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+s.cfg.ApiKey).
		SetHeader("content-type", "application/json").
		SetBody(chatRequest{
			Model: s.cfg.Model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt},
			},
			Temperature: 0.1,
			MaxTokens:   2000,
		}).
		Post(strings.TrimRight(s.cfg.Endpoint, "/") + "/chat/completions")
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != 200 {
		return nil, fmt.Errorf("llm api returned status %d", res.StatusCode())
	}

	var parsed chatResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm api returned no choices")
	}

	return parseModelOutput(parsed.Choices[0].Message.Content, s.now())
}

type modelTask struct {
	Title       string  `json:"title"`
	TaskType    string  `json:"task_type"`
	DueAt       *string `json:"due_at"`
	URL         *string `json:"url"`
	Status      string  `json:"status"`
	SourceLabel string  `json:"source_label"`
}

// parseModelOutput defensively parses model output into candidates.
// Markdown fences are stripped, entries that don't validate are
// dropped rather than failing the batch; only an output that isn't a
// JSON array at all is an error.
func parseModelOutput(content string, now time.Time) ([]CandidateTask, error) {
	content = stripFences(content)

	var entries []modelTask
	err := json.Unmarshal([]byte(content), &entries)
	if err != nil {
		return nil, fmt.Errorf("llm output is not a json array: %w", err)
	}

	var tasks []CandidateTask
	for _, e := range entries {
		// titles are the dedup key downstream, so whitespace noise
		// must not produce distinct rows
		title := textutil.CollapseSpaces(e.Title)
		if title == "" {
			continue
		}

		task := CandidateTask{
			Title:       title,
			Type:        TaskType(e.TaskType),
			Status:      TaskStatus(e.Status),
			SourceLabel: strings.TrimSpace(e.SourceLabel),
		}
		if !ValidTaskType(task.Type) {
			task.Type = TypeAssignment
		}
		if !ValidTaskStatus(task.Status) {
			task.Status = StatusNotStarted
		}
		if e.URL != nil {
			task.URL = strings.TrimSpace(*e.URL)
		}
		if e.DueAt != nil && *e.DueAt != "" {
			task.DueAt = parseModelDue(*e.DueAt, now)
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+len("```json"):]
	} else if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}

// parseModelDue accepts the ISO forms the model is told to emit, and
// falls back to natural-language parsing for anything else.
func parseModelDue(s string, now time.Time) *time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		t, err := time.ParseInLocation(layout, s, timezone.Location)
		if err == nil {
			return &t
		}
	}
	return ParseDueText(s, now)
}
