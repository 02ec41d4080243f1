// Package recovery retries failed model calls with an escalating set
// of strategies: plain retry with backoff, switching to a fallback
// model, and re-asking with a simplified prompt.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/azos-dev/azos/internal/errclass"
	"github.com/azos-dev/azos/internal/llm"
	"github.com/azos-dev/azos/internal/logger"
)

// Strategy names one recovery tactic.
type Strategy string

const (
	StrategyRetry       Strategy = "retry"
	StrategySwitchModel Strategy = "switch_model"
	StrategySimplify    Strategy = "simplify"
)

// Attempt records one recovery try and its outcome.
type Attempt struct {
	Strategy Strategy
	Model    string
	Err      error
}

// Completer is the model call being recovered. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, model, prompt string, opts llm.Options) (*llm.Completion, error)
}

// Recoverer drives the strategy sequence.
type Recoverer struct {
	llm         Completer
	log         *logger.Logger
	fallbacks   []string
	maxAttempts int
	baseDelay   time.Duration
}

// New creates a recoverer. maxAttempts bounds the total tries across
// all strategies; fallbacks are consulted in order by switch_model.
func New(completer Completer, log *logger.Logger, fallbacks []string, maxAttempts int) *Recoverer {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Recoverer{
		llm:         completer,
		log:         log,
		fallbacks:   fallbacks,
		maxAttempts: maxAttempts,
		baseDelay:   500 * time.Millisecond,
	}
}

// simplify shortens a prompt that may be overwhelming the model.
func simplify(prompt string) string {
	const maxLen = 2000
	if len(prompt) > maxLen {
		prompt = prompt[:maxLen]
	}
	return "Answer as directly and briefly as possible.\n\n" + prompt
}

// Recover runs the strategy sequence until a completion succeeds or
// attempts are exhausted. The attempt log is returned either way.
func (r *Recoverer) Recover(ctx context.Context, model, prompt string, opts llm.Options) (*llm.Completion, []Attempt, error) {
	var attempts []Attempt
	fallbackIdx := 0
	currentModel := model
	currentPrompt := prompt

	for i := 0; i < r.maxAttempts; i++ {
		strategy := r.pickStrategy(i, fallbackIdx)
		switch strategy {
		case StrategySwitchModel:
			currentModel = r.fallbacks[fallbackIdx]
			fallbackIdx++
		case StrategySimplify:
			currentPrompt = simplify(prompt)
		case StrategyRetry:
			if i > 0 {
				if err := r.wait(ctx, i); err != nil {
					return nil, attempts, err
				}
			}
		}

		r.log.Info("recovery attempt %d/%d: %s (model=%s)", i+1, r.maxAttempts, strategy, currentModel)
		comp, err := r.llm.Complete(ctx, currentModel, currentPrompt, opts)
		attempts = append(attempts, Attempt{Strategy: strategy, Model: currentModel, Err: err})
		if err == nil {
			return comp, attempts, nil
		}
		if errclass.KindOf(err) == errclass.Fatal && fallbackIdx >= len(r.fallbacks) {
			// Nothing left to vary.
			return nil, attempts, err
		}
		r.log.Warning("recovery attempt %d failed: %v", i+1, err)
	}
	return nil, attempts, fmt.Errorf("recovery exhausted after %d attempts", r.maxAttempts)
}

// pickStrategy alternates tactics: retry first, then switch models
// while fallbacks remain, then simplify.
func (r *Recoverer) pickStrategy(attempt, fallbacksUsed int) Strategy {
	if attempt == 0 {
		return StrategyRetry
	}
	switch attempt % 3 {
	case 1:
		if fallbacksUsed < len(r.fallbacks) {
			return StrategySwitchModel
		}
		return StrategySimplify
	case 2:
		return StrategySimplify
	default:
		return StrategyRetry
	}
}

func (r *Recoverer) wait(ctx context.Context, attempt int) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.baseDelay),
		backoff.WithMaxInterval(10*time.Second),
	)
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
