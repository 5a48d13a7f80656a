package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwatch/internal/config"
	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/pkg/provider/llm"
	"github.com/MrWong99/callwatch/pkg/provider/llm/openai"
)

var (
	flagLLM         bool
	flagConcurrency int
	flagEnvFile     string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [dir]",
	Short: "Re-evaluate every stored metrics document",
	Long: "Run the evaluator over every metrics document in the report directory,\n" +
		"overwriting the evaluation documents and appending ledger rows.\n" +
		"Heuristic evaluation is used unless --llm is given.",
	Args: cobra.MaximumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().BoolVar(&flagLLM, "llm", false, "evaluate with the configured language model")
	evaluateCmd.Flags().IntVarP(&flagConcurrency, "concurrency", "j", 4, "parallel evaluations")
	evaluateCmd.Flags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file with API keys")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(flagEnvFile); err != nil {
		return err
	}
	var dir string
	if len(args) == 1 {
		dir = args[0]
	}
	store, cfg, err := openStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	var provider llm.Provider
	if flagLLM {
		if provider, err = evaluationProvider(cfg.Evaluation.Provider); err != nil {
			return err
		}
	}
	ev := evaluation.New(provider, evaluation.Config{
		UseLLM:      flagLLM,
		Timeout:     cfg.Evaluation.Timeout,
		Temperature: cfg.Evaluation.Temperature,
		MaxTokens:   cfg.Evaluation.MaxTokens,
	}, evaluation.WithLogger(slog.Default()))

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("\n  No metrics documents found in " + store.Dir() + ".")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var (
		mu      sync.Mutex
		methods = map[evaluation.Method]int{}
		flagged int
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(flagConcurrency, 1))
	for _, s := range sessions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := reevaluate(gctx, ev, store, s)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				slog.Warn("re-evaluation not stored", "call_id", s.CallID, "err", err)
				return nil
			}
			methods[rec.Info.Method]++
			if len(rec.Flags) > 0 {
				flagged++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Print(RenderTable(Table{
		Title:   "Re-evaluated " + store.Dir(),
		Headers: []string{"Result", "Calls"},
		Rows: [][]string{
			{"LLM", fmt.Sprint(methods[evaluation.MethodLLM])},
			{"Heuristic", fmt.Sprint(methods[evaluation.MethodHeuristic])},
			{"Flagged", fmt.Sprint(flagged)},
			{"Failed", fmt.Sprint(failed)},
		},
	}))
	fmt.Println()
	if failed > 0 {
		return fmt.Errorf("%d of %d evaluations could not be stored", failed, len(sessions))
	}
	return nil
}

type evaluationStore interface {
	WriteEvaluation(*evaluation.Record) error
	AppendEvaluation(context.Context, *evaluation.Record) error
}

func reevaluate(ctx context.Context, ev *evaluation.Evaluator, store evaluationStore, s *metrics.Session) (*evaluation.Record, error) {
	rec := ev.Evaluate(ctx, s)
	if err := store.WriteEvaluation(rec); err != nil {
		return nil, err
	}
	if err := store.AppendEvaluation(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// evaluationProvider builds an OpenAI-compatible client for entry. Keys
// fall back to the environment.
func evaluationProvider(entry config.ProviderEntry) (llm.Provider, error) {
	var opts []openai.Option
	switch {
	case entry.BaseURL != "":
		opts = append(opts, openai.WithBaseURL(entry.BaseURL))
	case entry.Name == "groq":
		opts = append(opts, openai.WithBaseURL(openai.GroqBaseURL))
	case entry.Name == "openai":
	default:
		return nil, fmt.Errorf("provider %q is not supported by callctl; use groq or openai", entry.Name)
	}
	if entry.APIKey == "" {
		key := os.Getenv(config.EnvGroqAPIKey)
		if entry.Name == "openai" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		entry.APIKey = key
	}
	p, err := openai.New(entry.APIKey, entry.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("evaluation provider: %w", err)
	}
	return p, nil
}
