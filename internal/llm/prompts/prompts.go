// Package prompts renders the grading and dispute prompts sent to the oracle.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var embedded embed.FS

var studentTagRegex = regexp.MustCompile(`(?i)</?\s*(student-answer|student-argument|system-instructions)\b[^>]*>`)

const maxAnswerRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	QuestionText   string
	BackgroundInfo string
	DomainInfo     string
	PointsPossible float64
	Rubric         string
	Answer         string
	SecondsSpent   int
}

// QuestionDisputeData holds template data for a single-question dispute.
type QuestionDisputeData struct {
	QuestionNumber int
	QuestionText   string
	PointsPossible float64
	Rubric         string
	Answer         string
	OldScore       float64
	OldFeedback    string
	Argument       string
}

// DisputeItem is one question of a whole-attempt dispute.
type DisputeItem struct {
	Number         int
	QuestionText   string
	PointsPossible float64
	Rubric         string
	Answer         string
	Score          float64
	Feedback       string
}

// AttemptDisputeData holds template data for a whole-attempt dispute.
type AttemptDisputeData struct {
	Items          []DisputeItem
	OldTotal       float64
	PointsPossible float64
	Argument       string
}

// Set is a parsed collection of prompt templates.
type Set struct {
	grade           map[PromptVariant]*template.Template
	questionDispute *template.Template
	attemptDispute  *template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the templates compiled into the binary.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Load(embedded)
	})
	return defaultSet, defaultErr
}

// Load parses templates/grade_<variant>.txt, templates/dispute_question.txt and
// templates/dispute_attempt.txt from fsys.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{grade: make(map[PromptVariant]*template.Template)}
	for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
		tmpl, err := parse(fsys, "templates/grade_"+string(v)+".txt")
		if err != nil {
			return nil, err
		}
		s.grade[v] = tmpl
	}
	var err error
	if s.questionDispute, err = parse(fsys, "templates/dispute_question.txt"); err != nil {
		return nil, err
	}
	if s.attemptDispute, err = parse(fsys, "templates/dispute_attempt.txt"); err != nil {
		return nil, err
	}
	return s, nil
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
	}
	tmpl, err := template.New(name).Funcs(template.FuncMap{"points": FormatPoints}).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
	}
	return tmpl, nil
}

// BuildGradePrompt builds a grading prompt using the specified variant.
func (s *Set) BuildGradePrompt(variant PromptVariant, data GradeData) (string, error) {
	tmpl, ok := s.grade[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	data.Answer = sanitizeAnswer(data.Answer)
	return execute(tmpl, data)
}

// BuildQuestionDisputePrompt builds the prompt adjudicating a single-question dispute.
func (s *Set) BuildQuestionDisputePrompt(data QuestionDisputeData) (string, error) {
	data.Answer = sanitizeAnswer(data.Answer)
	data.Argument = sanitizeAnswer(data.Argument)
	return execute(s.questionDispute, data)
}

// BuildAttemptDisputePrompt builds the prompt adjudicating a whole-attempt dispute.
func (s *Set) BuildAttemptDisputePrompt(data AttemptDisputeData) (string, error) {
	items := make([]DisputeItem, len(data.Items))
	for i, it := range data.Items {
		it.Answer = sanitizeAnswer(it.Answer)
		items[i] = it
	}
	data.Items = items
	data.Argument = sanitizeAnswer(data.Argument)
	return execute(s.attemptDispute, data)
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// FormatPoints renders a score without trailing zeros.
func FormatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sanitizeAnswer(answer string) string {
	answer = studentTagRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
