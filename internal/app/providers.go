package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/callwatch/internal/config"
	"github.com/MrWong99/callwatch/internal/observe"
	"github.com/MrWong99/callwatch/internal/resilience"
	"github.com/MrWong99/callwatch/pkg/provider/llm"
)

// NewEvaluationProvider builds the evaluation model group from the primary
// provider entry and its fallbacks. Members whose factory is missing or
// fails (for example because no API key is set) are skipped with a warning.
// When no member remains it returns nil, and the evaluator runs on the
// heuristic alone.
//
// The group is wrapped in a circuit-breaking failover whose transitions are
// logged and counted on m.
func NewEvaluationProvider(reg *config.Registry, cfg config.EvaluationConfig, m *observe.Metrics, log *slog.Logger) llm.Provider {
	if log == nil {
		log = slog.Default()
	}
	entries := append([]config.ProviderEntry{cfg.Provider}, cfg.Fallbacks...)

	var members []resilience.Member[llm.Provider]
	for i, entry := range entries {
		if entry.Name == "" {
			continue
		}
		p, err := reg.CreateLLM(entry)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			log.Warn("evaluation provider not available, skipping", "name", entry.Name, "err", err)
			continue
		case err != nil:
			log.Warn("evaluation provider could not be created, skipping",
				"name", entry.Name, "model", entry.Model, "index", i, "err", err)
			continue
		}
		members = append(members, resilience.Member[llm.Provider]{
			Name:  memberName(entry),
			Value: p,
		})
		log.Info("provider created", "kind", "evaluation", "name", entry.Name, "model", entry.Model)
	}
	if len(members) == 0 {
		if cfg.UseLLM {
			log.Warn("no evaluation model available, using heuristic evaluation only")
		}
		return nil
	}

	ctx := context.Background()
	return resilience.NewLLMFailover(resilience.BreakerConfig{
		Name: "evaluation",
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("evaluation circuit changed state", "member", name, "from", from, "to", to)
			if m != nil {
				m.RecordBreakerTransition(ctx, name, to.String())
			}
		},
	}, members...)
}

func memberName(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return fmt.Sprintf("%s/%s", e.Name, e.Model)
}
