// Package evaluation produces the post-call quality record.
//
// The primary path asks a language model for a JSON judgment over the
// call transcript and validates it strictly against the taxonomy. When that
// path is disabled, unavailable, too slow or returns anything invalid, the
// deterministic keyword [Heuristic] produces the whole judgment instead.
// The chosen [Method] is stored on the [Record].
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/pkg/provider/llm"
	"github.com/MrWong99/callwatch/pkg/types"
)

// ErrLLMDisabled is reported when the primary path is switched off or no
// provider is configured.
var ErrLLMDisabled = errors.New("evaluation: llm evaluation disabled")

// errNoTranscript skips the model when there is nothing to judge.
var errNoTranscript = errors.New("evaluation: empty transcript")

// Defaults for [Config].
const (
	DefaultTimeout     = 20 * time.Second
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1000
)

// Config configures an [Evaluator].
type Config struct {
	// UseLLM enables the primary path.
	UseLLM bool

	// Timeout bounds one model call. Default: 20s.
	Timeout time.Duration

	// Temperature and MaxTokens are passed to the model. Defaults: 0.1 and
	// 1000.
	Temperature float64
	MaxTokens   int
}

// Option configures an [Evaluator].
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.log = l }
}

// WithResultHook calls fn after every evaluation with the method used and,
// for heuristic results, the reason the primary path was not used.
func WithResultHook(fn func(m Method, fallbackReason error)) Option {
	return func(e *Evaluator) { e.onResult = fn }
}

// Evaluator turns finalized call sessions into records. It is safe for
// concurrent use.
type Evaluator struct {
	provider llm.Provider
	cfg      Config
	useLLM   atomic.Bool
	log      *slog.Logger
	onResult func(Method, error)
}

// New returns an evaluator. provider may be nil, in which case only the
// heuristic path is used.
func New(provider llm.Provider, cfg Config, opts ...Option) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	e := &Evaluator{provider: provider, cfg: cfg, log: slog.Default()}
	e.useLLM.Store(cfg.UseLLM)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetUseLLM switches the primary path on or off at runtime.
func (e *Evaluator) SetUseLLM(on bool) { e.useLLM.Store(on) }

// UsesLLM reports whether the primary path is enabled.
func (e *Evaluator) UsesLLM() bool { return e.useLLM.Load() && e.provider != nil }

// Evaluate judges a finalized session. It always returns a fully populated
// record; model failures only change the method used.
func (e *Evaluator) Evaluate(ctx context.Context, s *metrics.Session) *Record {
	log := e.log.With("call_id", s.CallID)

	j, err := e.judgeLLM(ctx, s)
	method := MethodLLM
	if err != nil {
		method = MethodHeuristic
		switch {
		case errors.Is(err, ErrLLMDisabled), errors.Is(err, errNoTranscript):
			log.Info("using heuristic evaluation", "reason", err)
		default:
			log.Warn("llm evaluation failed, falling back to heuristic", "err", err)
		}
		j = Heuristic(s)
	}

	rec := newRecord(s, j, method)
	if len(rec.Flags) > 0 {
		log.Warn("compliance flags raised", "flags", rec.Flags)
	}
	log.Info("call evaluated",
		"method", method,
		"sentiment", rec.Core.Sentiment,
		"category", rec.Domain.Category,
		"resolved", rec.Core.Resolved,
		"escalation", rec.Core.EscalationRequired,
	)
	if e.onResult != nil {
		e.onResult(method, err)
	}
	return rec
}

func (e *Evaluator) judgeLLM(ctx context.Context, s *metrics.Session) (Judgment, error) {
	if !e.UsesLLM() {
		return Judgment{}, ErrLLMDisabled
	}
	if len(split(s.Transcript)) == 0 {
		return Judgment{}, errNoTranscript
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(),
		Messages:     []types.Message{{Role: types.RoleUser, Content: userPrompt(s)}},
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
		JSONMode:     e.provider.Capabilities().SupportsJSONMode,
	})
	if err != nil {
		return Judgment{}, fmt.Errorf("evaluation: complete: %w", err)
	}
	if resp == nil {
		return Judgment{}, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	j, err := ParseResponse(resp.Content)
	if err != nil {
		e.log.Warn("discarding evaluation response", "call_id", s.CallID, "model", resp.Model, "raw", resp.Content, "err", err)
		return Judgment{}, err
	}
	// A model that clears an agent message the diagnosis check flags is
	// not trusted for any field of the call.
	if text, ok := diagnosticReply(s.Transcript); ok && j.BoundaryMaintained {
		return Judgment{}, fmt.Errorf("%w: medical_boundary_maintained=true but agent said %q", ErrInvalidResponse, text)
	}
	return j, nil
}
