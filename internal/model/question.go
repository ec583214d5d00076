package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// QuestionType selects the grading strategy for a question.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionOther          QuestionType = "other"
)

// ParseQuestionType maps a raw type name onto a known type.
// Unrecognised names are graded as QuestionOther.
func ParseQuestionType(s string) QuestionType {
	switch t := QuestionType(strings.ToLower(strings.TrimSpace(s))); t {
	case QuestionMultipleChoice, QuestionTrueFalse, QuestionShortAnswer:
		return t
	default:
		return QuestionOther
	}
}

// AnswerKey is the expected answer of a question. The concrete type is
// one of ChoiceKey, TrueFalseKey, ShortAnswerKey or ExactKey.
type AnswerKey interface {
	// String returns the stringified correct answer.
	String() string
	answerKey()
}

// ChoiceKey is the correct option of a multiple-choice question, either
// an option label or an index in stringified form.
type ChoiceKey struct{ Value string }

// TrueFalseKey is the correct value of a true/false question.
type TrueFalseKey struct{ Value bool }

// ShortAnswerKey describes the concept a free-text answer must convey.
type ShortAnswerKey struct{ Concept string }

// ExactKey is the stored correct value of any other question type,
// kept exactly as it was decoded from JSON.
type ExactKey struct{ Value any }

func (k ChoiceKey) String() string      { return k.Value }
func (k TrueFalseKey) String() string   { return strconv.FormatBool(k.Value) }
func (k ShortAnswerKey) String() string { return k.Concept }

// String flattens arrays into comma-separated elements, so [1,[2,3]]
// becomes "1,2,3". Objects have no natural flat form and are rendered as
// compact JSON.
func (k ExactKey) String() string { return stringifyValue(k.Value) }

func stringifyValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = stringifyValue(e)
		}
		return strings.Join(parts, ",")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// Matches reports whether answer is strictly equal to the stored value.
// Only string values can equal a submitted answer.
func (k ExactKey) Matches(answer string) bool {
	s, ok := k.Value.(string)
	return ok && s == answer
}

func (ChoiceKey) answerKey()      {}
func (TrueFalseKey) answerKey()   {}
func (ShortAnswerKey) answerKey() {}
func (ExactKey) answerKey()       {}

// ErrInvalidAnswerKey is returned when a stored correct answer does not fit
// its question type.
var ErrInvalidAnswerKey = errors.New("invalid answer key")

// DecodeAnswerKey builds the answer key for a question type from the raw
// JSON correct-answer value.
func DecodeAnswerKey(t QuestionType, raw json.RawMessage) (AnswerKey, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing correct answer", ErrInvalidAnswerKey)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnswerKey, err)
	}

	switch t {
	case QuestionMultipleChoice:
		switch val := v.(type) {
		case string:
			return ChoiceKey{Value: val}, nil
		case json.Number:
			if _, err := val.Int64(); err != nil {
				return nil, fmt.Errorf("%w: choice index %s is not an integer", ErrInvalidAnswerKey, val)
			}
			return ChoiceKey{Value: val.String()}, nil
		}
		return nil, fmt.Errorf("%w: multiple_choice expects a string or index", ErrInvalidAnswerKey)
	case QuestionTrueFalse:
		switch val := v.(type) {
		case bool:
			return TrueFalseKey{Value: val}, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return nil, fmt.Errorf("%w: true_false expects a boolean, got %q", ErrInvalidAnswerKey, val)
			}
			return TrueFalseKey{Value: b}, nil
		}
		return nil, fmt.Errorf("%w: true_false expects a boolean", ErrInvalidAnswerKey)
	case QuestionShortAnswer:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: short_answer expects a concept string", ErrInvalidAnswerKey)
		}
		return ShortAnswerKey{Concept: s}, nil
	default:
		return ExactKey{Value: v}, nil
	}
}

// EncodeAnswerKey returns the JSON form of an answer key, the inverse of
// DecodeAnswerKey.
func EncodeAnswerKey(k AnswerKey) (json.RawMessage, error) {
	switch key := k.(type) {
	case ChoiceKey:
		return json.Marshal(key.Value)
	case TrueFalseKey:
		return json.Marshal(key.Value)
	case ShortAnswerKey:
		return json.Marshal(key.Concept)
	case ExactKey:
		return json.Marshal(key.Value)
	case nil:
		return nil, fmt.Errorf("%w: nil key", ErrInvalidAnswerKey)
	default:
		return nil, fmt.Errorf("%w: unknown key type %T", ErrInvalidAnswerKey, k)
	}
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	ID            string          `json:"id"`
	Prompt        string          `json:"prompt"`
	Type          string          `json:"type"`
	Options       []string        `json:"options,omitempty"`
	CorrectAnswer json.RawMessage `json:"correct_answer"`
	Explanation   string          `json:"explanation"`
}

// QuizImport is used for loading quizzes from JSON.
type QuizImport struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	PassingScore int              `json:"passing_score"`
	Questions    []QuestionImport `json:"questions"`
}

// ToQuiz validates an imported quiz and converts it into the domain model.
func (qi QuizImport) ToQuiz() (Quiz, error) {
	if strings.TrimSpace(qi.ID) == "" {
		return Quiz{}, errors.New("quiz id is required")
	}
	if qi.PassingScore < 0 || qi.PassingScore > 100 {
		return Quiz{}, fmt.Errorf("quiz %q: passing_score %d out of range 0-100", qi.ID, qi.PassingScore)
	}

	seen := make(map[string]bool, len(qi.Questions))
	questions := make([]Question, 0, len(qi.Questions))
	for i, q := range qi.Questions {
		id := q.ID
		if id == "" {
			id = fmt.Sprintf("q%d", i+1)
		}
		if seen[id] {
			return Quiz{}, fmt.Errorf("quiz %q: duplicate question id %q", qi.ID, id)
		}
		seen[id] = true

		t := ParseQuestionType(q.Type)
		key, err := DecodeAnswerKey(t, q.CorrectAnswer)
		if err != nil {
			return Quiz{}, fmt.Errorf("quiz %q question %q: %w", qi.ID, id, err)
		}
		questions = append(questions, Question{
			ID:          id,
			Prompt:      q.Prompt,
			Type:        t,
			Options:     q.Options,
			Key:         key,
			Explanation: q.Explanation,
		})
	}

	return Quiz{
		ID:           qi.ID,
		Title:        qi.Title,
		PassingScore: qi.PassingScore,
		Questions:    questions,
	}, nil
}

// ErrInvalidQuiz is returned for quiz files that cannot be imported.
var ErrInvalidQuiz = errors.New("invalid quiz file")

// ParseQuizFile decodes a quiz file holding either one quiz object or an
// array of them.
func ParseQuizFile(data []byte) ([]Quiz, error) {
	data = bytes.TrimSpace(data)
	var imports []QuizImport
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &imports); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuiz, err)
		}
	} else {
		var qi QuizImport
		if err := json.Unmarshal(data, &qi); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuiz, err)
		}
		imports = []QuizImport{qi}
	}

	quizzes := make([]Quiz, 0, len(imports))
	for _, qi := range imports {
		q, err := qi.ToQuiz()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuiz, err)
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, nil
}
