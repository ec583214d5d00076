package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/quizgrader/internal/llm/prompts"
	"github.com/pavelanni/quizgrader/internal/metrics"
)

// FallbackExplanation is returned for answers the service could not judge.
const FallbackExplanation = "Unable to evaluate automatically"

const (
	// DefaultEvalTimeout bounds a single evaluation call.
	DefaultEvalTimeout = 20 * time.Second
	evalTemperature    = 0.2
	defaultMaxTokens   = 300
)

var errMalformedReply = errors.New("malformed evaluation reply")

// ShortAnswer is the input of a short-answer evaluation.
type ShortAnswer struct {
	Question string
	Concept  string
	Answer   string
}

// Evaluation is the judgement of one short answer. Degraded is set when
// the service failed and the fixed fallback was returned instead.
type Evaluation struct {
	IsCorrect   bool
	Explanation string
	Degraded    bool
}

// FallbackEvaluation is the deterministic result used when evaluation fails.
func FallbackEvaluation() Evaluation {
	return Evaluation{IsCorrect: false, Explanation: FallbackExplanation, Degraded: true}
}

// Evaluator judges free-text answers with a generative text service.
type Evaluator struct {
	client    Completer
	variant   prompts.PromptVariant
	timeout   time.Duration
	maxTokens int
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// NewEvaluator creates an evaluator using the given prompt variant.
func NewEvaluator(client Completer, variant prompts.PromptVariant, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		client:    client,
		variant:   variant,
		timeout:   DefaultEvalTimeout,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate judges one answer. It never fails: any service or parsing
// error yields FallbackEvaluation.
func (e *Evaluator) Evaluate(ctx context.Context, in ShortAnswer) Evaluation {
	result, err := e.evaluate(ctx, in)
	if err != nil {
		slog.Warn("short-answer evaluation failed, using fallback", "error", err)
		metrics.EvaluatorCalls.WithLabelValues("fallback").Inc()
		return FallbackEvaluation()
	}
	metrics.EvaluatorCalls.WithLabelValues("ok").Inc()
	return result
}

func (e *Evaluator) evaluate(ctx context.Context, in ShortAnswer) (Evaluation, error) {
	if e.client == nil {
		return Evaluation{}, errors.New("no generative client configured")
	}

	systemPrompt, err := prompts.BuildEvalPrompt(e.variant, prompts.EvalData{
		QuestionText: in.Question,
		Concept:      in.Concept,
	})
	if err != nil {
		return Evaluation{}, fmt.Errorf("build prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Complete(ctx, ChatRequest{
		Messages: []Turn{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: prompts.WrapAnswer(in.Answer)},
		},
		Temperature: evalTemperature,
		MaxTokens:   e.maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return Evaluation{}, err
	}

	return parseEvaluation(resp.Content)
}

type evaluationReply struct {
	IsCorrect   *bool  `json:"isCorrect"`
	Explanation string `json:"explanation"`
}

// parseEvaluation decodes the service reply. Models sometimes wrap JSON in
// a markdown code fence, which is stripped first.
func parseEvaluation(raw string) (Evaluation, error) {
	content := stripCodeFence(raw)
	var reply evaluationReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return Evaluation{}, fmt.Errorf("%w: %v (raw: %s)", errMalformedReply, err, raw)
	}
	if reply.IsCorrect == nil {
		return Evaluation{}, fmt.Errorf("%w: missing isCorrect (raw: %s)", errMalformedReply, raw)
	}
	return Evaluation{
		IsCorrect:   *reply.IsCorrect,
		Explanation: strings.TrimSpace(reply.Explanation),
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
