package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callwatch/internal/config"
	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/internal/report"
	"github.com/MrWong99/callwatch/pkg/types"
)

func TestReevaluate_WritesDocumentAndLedger(t *testing.T) {
	dir := t.TempDir()
	store, err := report.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := &metrics.Session{
		CallID:            "clinic_20260301_100000_abcd1234",
		Room:              "clinic",
		StartedAt:         start,
		EndedAt:           start.Add(42 * time.Second),
		DurationSeconds:   42,
		TerminationReason: "farewell",
		Transcript: []types.Message{
			{Role: types.RoleUser, Content: "When will my kit arrive?"},
			{Role: types.RoleAssistant, Content: "Kits usually ship within two business days."},
		},
		Finalized: true,
	}
	if err := store.WriteMetrics(sess); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}

	ev := evaluation.New(nil, evaluation.Config{})
	rec, err := reevaluate(context.Background(), ev, store, sess)
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if rec.Info.Method != evaluation.MethodHeuristic {
		t.Errorf("method = %q, want %q", rec.Info.Method, evaluation.MethodHeuristic)
	}

	doc, err := store.Get(sess.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Metrics == nil || doc.Evaluation == nil {
		t.Fatalf("document halves = %v/%v, want both", doc.Metrics != nil, doc.Evaluation != nil)
	}

	// Close flushes the ledger writer.
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, report.EvaluationLedger))
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if !strings.Contains(string(data), sess.CallID) {
		t.Errorf("ledger does not mention %s:\n%s", sess.CallID, data)
	}
}

func TestEvaluationProvider(t *testing.T) {
	t.Setenv(config.EnvGroqAPIKey, "gsk-test")

	p, err := evaluationProvider(config.ProviderEntry{Name: "groq", Model: config.DefaultEvalModel})
	if err != nil {
		t.Fatalf("groq: %v", err)
	}
	if p == nil {
		t.Fatal("groq provider is nil")
	}

	if _, err := evaluationProvider(config.ProviderEntry{Name: "ollama", Model: "llama3"}); err == nil {
		t.Error("ollama: want error")
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable(Table{
		Title:   "Totals",
		Headers: []string{"Metric", "Value"},
		Rows:    [][]string{{"Calls", "3"}, {"Turns", "12"}},
	})
	for _, want := range []string{"Totals", "Metric", "Calls", "12"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if got := RenderTable(Table{}); got != "" {
		t.Errorf("empty table = %q, want empty", got)
	}
}

func TestTarget(t *testing.T) {
	tests := []struct {
		name          string
		actual, goal  float64
		lowerIsBetter bool
	}{
		{"resolution", 85, 80, false},
		{"escalation", 20, 15, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := target(tt.actual, tt.goal, tt.lowerIsBetter)
			for _, want := range []string{formatPercent(tt.actual), "target " + formatPercent(tt.goal)} {
				if !strings.Contains(got, want) {
					t.Errorf("target() = %q, want it to contain %q", got, want)
				}
			}
		})
	}
}

func TestFormatSeconds(t *testing.T) {
	tests := map[float64]string{
		4.5:  "4.5s",
		60:   "1m 00s",
		754:  "12m 34s",
	}
	for in, want := range tests {
		if got := formatSeconds(in); got != want {
			t.Errorf("formatSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}
