// Package grading scores quiz submissions.
//
// A Pipeline runs the primary Grader, which dispatches on question type and
// delegates short answers to an AI Evaluator. If the primary grader fails
// for any reason the whole submission is re-graded from scratch by the
// deterministic FallbackGrader.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/quizgrader/internal/llm"
	"github.com/pavelanni/quizgrader/internal/metrics"
	"github.com/pavelanni/quizgrader/internal/model"
)

var (
	// ErrInvalidQuestion means a question's answer key does not fit its type.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrGradingFailed means both the primary and the fallback grader failed.
	ErrGradingFailed = errors.New("grading failed")
)

// Strategy grades a whole submission.
type Strategy interface {
	Grade(ctx context.Context, quiz model.Quiz, sub model.Submission) (model.GradingResult, error)
}

// Evaluator judges a free-text answer. Implementations must not fail;
// degraded judgements are reported through the Evaluation itself.
type Evaluator interface {
	Evaluate(ctx context.Context, in llm.ShortAnswer) llm.Evaluation
}

// Score returns round(100*correct/total), or 0 for an empty quiz.
func Score(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(correct) / float64(total)))
}

func finalize(quiz model.Quiz, correct []bool, feedback []model.Feedback) model.GradingResult {
	n := 0
	for i := range correct {
		if correct[i] {
			n++
		}
		feedback[i].Correct = correct[i]
	}
	score := Score(n, len(quiz.Questions))
	return model.GradingResult{
		Score:    score,
		Passed:   score >= quiz.PassingScore,
		Feedback: feedback,
	}
}

// Grader is the primary grading strategy.
type Grader struct {
	evaluator   Evaluator
	concurrency int
}

// Option configures a Grader.
type Option func(*Grader)

// WithConcurrency bounds how many short answers are evaluated at once.
// 1 evaluates them one after another.
func WithConcurrency(n int) Option {
	return func(g *Grader) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// NewGrader creates the primary grader around a short-answer evaluator.
func NewGrader(ev Evaluator, opts ...Option) *Grader {
	g := &Grader{evaluator: ev, concurrency: 1}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Grade grades every question by its type. Multiple-choice and true/false
// answers must equal the stringified key, other types must equal the stored
// value exactly, and short answers are judged by the evaluator.
func (g *Grader) Grade(ctx context.Context, quiz model.Quiz, sub model.Submission) (model.GradingResult, error) {
	n := len(quiz.Questions)
	correct := make([]bool, n)
	feedback := make([]model.Feedback, n)
	var shortAnswers []int

	for i, q := range quiz.Questions {
		answer := sub.Answer(q.ID)
		feedback[i] = model.Feedback{
			Question:    q.Prompt,
			UserAnswer:  answer,
			Explanation: q.Explanation,
		}

		switch q.Type {
		case model.QuestionMultipleChoice:
			key, ok := q.Key.(model.ChoiceKey)
			if !ok {
				return model.GradingResult{}, keyMismatch(q)
			}
			correct[i] = answer == key.String()
		case model.QuestionTrueFalse:
			key, ok := q.Key.(model.TrueFalseKey)
			if !ok {
				return model.GradingResult{}, keyMismatch(q)
			}
			correct[i] = answer == key.String()
		case model.QuestionShortAnswer:
			if _, ok := q.Key.(model.ShortAnswerKey); !ok {
				return model.GradingResult{}, keyMismatch(q)
			}
			shortAnswers = append(shortAnswers, i)
		default:
			key, ok := q.Key.(model.ExactKey)
			if !ok {
				return model.GradingResult{}, keyMismatch(q)
			}
			correct[i] = key.Matches(answer)
		}
	}

	if len(shortAnswers) > 0 {
		if g.evaluator == nil {
			return model.GradingResult{}, errors.New("short-answer question without an evaluator")
		}
		if err := g.evaluateShortAnswers(ctx, quiz, shortAnswers, correct, feedback); err != nil {
			return model.GradingResult{}, err
		}
	}

	return finalize(quiz, correct, feedback), nil
}

// evaluateShortAnswers fills the slots of the given question indexes.
// Each goroutine writes only its own index.
func (g *Grader) evaluateShortAnswers(ctx context.Context, quiz model.Quiz, idx []int, correct []bool, feedback []model.Feedback) error {
	eg := new(errgroup.Group)
	eg.SetLimit(g.concurrency)

	for _, i := range idx {
		q := quiz.Questions[i]
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("evaluator panic on question %q: %v", q.ID, r)
				}
			}()
			ev := g.evaluator.Evaluate(ctx, llm.ShortAnswer{
				Question: q.Prompt,
				Concept:  q.Key.String(),
				Answer:   feedback[i].UserAnswer,
			})
			correct[i] = ev.IsCorrect
			feedback[i].Explanation = ev.Explanation
			return nil
		})
	}
	return eg.Wait()
}

func keyMismatch(q model.Question) error {
	return fmt.Errorf("%w: question %q of type %s has answer key %T", ErrInvalidQuestion, q.ID, q.Type, q.Key)
}

// FallbackGrader compares every answer with the stringified correct answer
// and uses the static explanations. It makes no external calls.
type FallbackGrader struct{}

// Grade implements Strategy.
func (FallbackGrader) Grade(_ context.Context, quiz model.Quiz, sub model.Submission) (model.GradingResult, error) {
	n := len(quiz.Questions)
	correct := make([]bool, n)
	feedback := make([]model.Feedback, n)

	for i, q := range quiz.Questions {
		answer := sub.Answer(q.ID)
		expected := ""
		if q.Key != nil {
			expected = q.Key.String()
		}
		correct[i] = answer == expected
		feedback[i] = model.Feedback{
			Question:    q.Prompt,
			UserAnswer:  answer,
			Explanation: q.Explanation,
		}
	}

	return finalize(quiz, correct, feedback), nil
}

// Pipeline runs a primary strategy and re-grades with a fallback strategy
// when the primary one returns an error or panics.
type Pipeline struct {
	primary  Strategy
	fallback Strategy
}

// NewPipeline creates a pipeline. A nil fallback means FallbackGrader.
func NewPipeline(primary, fallback Strategy) *Pipeline {
	if fallback == nil {
		fallback = FallbackGrader{}
	}
	return &Pipeline{primary: primary, fallback: fallback}
}

// Grade returns a complete result or ErrGradingFailed. The result's Mode
// tells which strategy produced it.
func (p *Pipeline) Grade(ctx context.Context, quiz model.Quiz, sub model.Submission) (model.GradingResult, error) {
	res, err := runStrategy(ctx, p.primary, quiz, sub)
	if err == nil {
		res.Mode = model.GradingPrimary
		metrics.GradingRuns.WithLabelValues(string(model.GradingPrimary)).Inc()
		return res, nil
	}

	slog.Warn("primary grading failed, re-grading with fallback", "quiz_id", quiz.ID, "error", err)

	res, ferr := runStrategy(ctx, p.fallback, quiz, sub)
	if ferr != nil {
		slog.Error("fallback grading failed", "quiz_id", quiz.ID, "error", ferr)
		return model.GradingResult{}, fmt.Errorf("%w: %w", ErrGradingFailed, errors.Join(err, ferr))
	}
	res.Mode = model.GradingFallback
	metrics.GradingRuns.WithLabelValues(string(model.GradingFallback)).Inc()
	return res, nil
}

func runStrategy(ctx context.Context, s Strategy, quiz model.Quiz, sub model.Submission) (res model.GradingResult, err error) {
	if s == nil {
		return model.GradingResult{}, errors.New("no grading strategy")
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("grading panic", "stack", string(debug.Stack()))
			res = model.GradingResult{}
			err = fmt.Errorf("grader panic: %v", r)
		}
	}()
	return s.Grade(ctx, quiz, sub)
}
