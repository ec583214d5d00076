package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxAnswerRunes caps the answer length sent to the model.
const maxAnswerRunes = 10000

//go:embed templates/*.tmpl
var templateFS embed.FS

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict requires every key element of the expected concept.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default lenient-but-fair variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient accepts answers that capture the main idea.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce      sync.Once
	loadErr       error
	evalTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// EvalData holds template data for short-answer evaluation prompts.
type EvalData struct {
	QuestionText string
	Concept      string
}

func load() error {
	loadOnce.Do(func() {
		loadErr = loadFrom(templateFS)
	})
	return loadErr
}

func loadFrom(fsys fs.FS) error {
	templates := make(map[PromptVariant]*template.Template)
	for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
		name := "templates/eval_" + string(v) + ".tmpl"
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return errors.New("failed to read prompt file " + name + ": " + err.Error())
		}
		tmpl, err := template.New("eval").Parse(string(content))
		if err != nil {
			return errors.New("failed to parse prompt template " + name + ": " + err.Error())
		}
		templates[v] = tmpl
	}
	evalTemplates = templates
	return nil
}

// BuildEvalPrompt builds the system prompt for judging a short answer.
func BuildEvalPrompt(variant PromptVariant, data EvalData) (string, error) {
	if err := load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := evalTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WrapAnswer sanitises a student answer and wraps it in the tags the
// evaluation prompts refer to.
func WrapAnswer(answer string) string {
	return "<student-answer>\n" + SanitizeAnswer(answer) + "\n</student-answer>"
}

// SanitizeAnswer strips prompt delimiters from an answer and truncates it.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
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
