package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var end = time.Date(2025, 3, 1, 9, 2, 5, 0, time.UTC)

func testSession(id string) *metrics.Session {
	return &metrics.Session{
		CallID:            id,
		Room:              strings.SplitN(id, "_", 2)[0],
		StartedAt:         end.Add(-125 * time.Second),
		EndedAt:           end,
		DurationSeconds:   125,
		TerminationReason: "farewell",
		Transcript: []types.Message{
			{Role: types.RoleUser, Content: "When will I get my results?"},
			{Role: types.RoleAssistant, Content: "Usually within three days, bye!"},
		},
		Totals: metrics.Totals{
			Turns: 1, STTCost: 0.001, LLMCost: 0.0002, TTSCost: 0.003, PlatformCost: 0.0208,
			TotalCost: 0.025, STTSeconds: 3.5, LLMInputTokens: 245, LLMOutputTokens: 89,
			TTSCharacters: 312, AvgEndToEndMs: 900, AvgTTFTMs: 350, AvgEOUDelayMs: 150,
		},
		Finalized: true,
	}
}

func testRecord(id string) *evaluation.Record {
	d := true
	return &evaluation.Record{
		CallID:          id,
		Timestamp:       end,
		DurationSeconds: 125,
		TotalCost:       0.025,
		Core: evaluation.CoreMetrics{
			Sentiment: evaluation.SentimentNeutral,
			Summary:   "Caller asked, \"when\" results arrive; agent answered.",
			Resolved:  true,
		},
		Domain: evaluation.DomainMetrics{Category: evaluation.CategoryResultsGeneral, Phase: evaluation.PhasePostCollection},
		Compliance: evaluation.ComplianceMetrics{
			BoundaryMaintained: true,
			DisclaimerGiven:    &d,
		},
		Transcript: []types.Message{
			{Role: types.RoleUser, Content: "When will I get my results?"},
			{Role: types.RoleAssistant, Content: "Usually within three days,\nbye!"},
		},
		Info:  evaluation.AdditionalInfo{TotalTurns: 1, AvgLatencyMs: 900, Method: evaluation.MethodHeuristic, Version: evaluation.Version},
		Notes: "Heuristic keyword evaluation",
		Flags: []string{},
	}
}

func TestStore_WriteAndGet(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	id := "lab-room-1_20250301_090000_abcd1234"

	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before write: err = %v, want ErrNotFound", err)
	}
	if err := s.WriteMetrics(testSession(id)); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	doc, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Metrics == nil || doc.Evaluation != nil {
		t.Fatalf("half-written document = %+v", doc)
	}

	if err := s.WriteEvaluation(testRecord(id)); err != nil {
		t.Fatalf("WriteEvaluation: %v", err)
	}
	doc, err = s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.CallID != id || doc.Metrics.Totals.LLMInputTokens != 245 || doc.Evaluation.Domain.Category != evaluation.CategoryResultsGeneral {
		t.Errorf("document = %+v", doc)
	}
	if !doc.Metrics.EndedAt.Equal(end) || len(doc.Evaluation.Transcript) != 2 {
		t.Errorf("round trip lost data: %+v", doc)
	}

	for _, name := range []string{id + MetricsSuffix, id + EvaluationSuffix} {
		if _, err := os.Stat(filepath.Join(s.Dir(), name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestStore_InvalidID(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	for _, id := range []string{"", "..", "../etc/passwd", `a\b`, ".hidden"} {
		if _, err := s.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q): err = %v, want ErrInvalidID", id, err)
		}
	}
	if err := s.WriteMetrics(testSession("../escape_x")); !errors.Is(err, ErrInvalidID) {
		t.Errorf("WriteMetrics: err = %v", err)
	}
	if _, err := s.Search("a/b"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Search: err = %v", err)
	}
}

// A reader racing the writer sees either no document or a complete one.
func TestStore_AtomicWriteVisibility(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	id := "atomic_20250301_090000_00000000"
	sess := testSession(id)
	for i := range 200 {
		sess.Transcript = append(sess.Transcript, types.Message{Role: types.RoleUser, Content: strings.Repeat("x", i)})
	}
	path := filepath.Join(s.Dir(), id+MetricsSuffix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	var readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			data, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				readErr = err
				return
			}
			var got metrics.Session
			if err := json.Unmarshal(data, &got); err != nil {
				readErr = fmt.Errorf("partial document observed (%d bytes): %w", len(data), err)
				return
			}
		}
	}()

	for range 50 {
		if err := s.WriteMetrics(sess); err != nil {
			t.Fatalf("WriteMetrics: %v", err)
		}
	}
	cancel()
	wg.Wait()
	if readErr != nil {
		t.Fatal(readErr)
	}
}

func TestStore_Search(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	if _, err := s.Search("lab-room"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Search on empty store: err = %v", err)
	}

	ids := []string{
		"lab-room_20250301_090000_aaaaaaaa",
		"lab-room_20250301_100000_bbbbbbbb",
		"other_20250301_090000_cccccccc",
	}
	for _, id := range ids {
		if err := s.WriteEvaluation(testRecord(id)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		prefix string
		want   string
	}{
		{"other", "other_20250301_090000_cccccccc"},
		{"lab-room", "lab-room_20250301_100000_bbbbbbbb"},
		{"lab-room_20250301_09", "lab-room_20250301_090000_aaaaaaaa"},
	}
	for _, tt := range tests {
		got, err := s.Search(tt.prefix)
		if err != nil || got != tt.want {
			t.Errorf("Search(%q) = %q, %v; want %q", tt.prefix, got, err, tt.want)
		}
	}
	if _, err := s.Search("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Search(missing): err = %v", err)
	}

	list, err := s.List()
	if err != nil || len(list) != 3 || list[0] != ids[0] {
		t.Errorf("List = %v, %v", list, err)
	}
}

func TestStore_SearchFindsDelayedWrite(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	id := "late-room_20250301_090000_dddddddd"

	written := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		written <- s.WriteMetrics(testSession(id))
	}()

	if _, err := s.Search("late-room"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Search before write: err = %v, want ErrNotFound", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := s.Search("late-room")
		if err == nil {
			if got != id {
				t.Fatalf("Search = %q, want %q", got, id)
			}
			break
		}
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Search: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("document never became visible")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := <-written; err != nil {
		t.Fatal(err)
	}
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	const calls = 40

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("room%02d_20250301_090000_%08d", i, i)
			if err := s.AppendEvaluation(context.Background(), testRecord(id)); err != nil {
				t.Errorf("AppendEvaluation: %v", err)
			}
			if err := s.AppendCosts(context.Background(), testSession(id)); err != nil {
				t.Errorf("AppendCosts: %v", err)
			}
		}()
	}
	wg.Wait()

	for file, cols := range map[string][]string{EvaluationLedger: EvaluationColumns, CostLedger: CostColumns} {
		f, err := os.Open(filepath.Join(s.Dir(), file))
		if err != nil {
			t.Fatal(err)
		}
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		if err != nil {
			t.Fatalf("%s is not valid CSV: %v", file, err)
		}
		if len(rows) != calls+1 {
			t.Errorf("%s has %d rows, want header + %d", file, len(rows), calls)
		}
		if strings.Join(rows[0], ",") != strings.Join(cols, ",") {
			t.Errorf("%s header = %v", file, rows[0])
		}
	}

	records, err := s.Evaluations()
	if err != nil {
		t.Fatalf("Evaluations: %v", err)
	}
	if len(records) != calls {
		t.Fatalf("read back %d records, want %d", len(records), calls)
	}
	r := records[0]
	want := testRecord(r.CallID)
	if r.Core != want.Core || r.Domain != want.Domain || *r.Compliance.DisclaimerGiven != true {
		t.Errorf("record = %+v", r)
	}
	if len(r.Transcript) != 2 || r.Transcript[1].Content != want.Transcript[1].Content || !r.Timestamp.Equal(end) {
		t.Errorf("transcript or timestamp lost: %+v", r)
	}
}

func TestLedger_RowFormat(t *testing.T) {
	t.Parallel()
	r := testRecord("a_20250301_090000_00000000")
	r.Compliance.DisclaimerGiven = nil
	r.Flags = []string{evaluation.FlagBoundaryViolated, evaluation.FlagBillingNotEscalate}

	row, err := evaluationRow(r)
	if err != nil {
		t.Fatal(err)
	}
	if row[2] != "125.00" || row[3] != "0.025000" || row[11] != "" || row[13] != "900.0" {
		t.Errorf("row = %q", row)
	}
	back, err := parseEvaluationRow(row)
	if err != nil {
		t.Fatal(err)
	}
	if back.Compliance.DisclaimerGiven != nil || len(back.Flags) != 2 || back.Flags[1] != evaluation.FlagBillingNotEscalate {
		t.Errorf("parsed = %+v", back)
	}

	cost := costRow(testSession("a_20250301_090000_00000000"))
	if len(cost) != len(CostColumns) || cost[3] != "0.025000" || cost[9] != "245" || cost[15] != "350.00" {
		t.Errorf("cost row = %q", cost)
	}
}

func TestLedger_SkipsMalformedRows(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	if err := s.AppendEvaluation(context.Background(), testRecord("ok_20250301_090000_00000000")); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(s.Dir(), EvaluationLedger), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, "broken,row")
	f.Close()

	records, err := s.Evaluations()
	if err != nil || len(records) != 1 {
		t.Errorf("Evaluations = %d records, %v", len(records), err)
	}
}

func TestStore_AppendAfterClose(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := s.AppendCosts(context.Background(), testSession("x_1")); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	s.Close()
}

func TestStore_WriteHook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	got := map[string]error{}
	s, err := Open(t.TempDir(), WithWriteHook(func(kind string, err error) {
		mu.Lock()
		got[kind] = err
		mu.Unlock()
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_ = s.WriteMetrics(testSession("h_1"))
	_ = s.WriteEvaluation(testRecord("../bad"))
	mu.Lock()
	defer mu.Unlock()
	if err, ok := got["metrics"]; !ok || err != nil {
		t.Errorf("metrics hook = %v, %v", ok, err)
	}
	if !errors.Is(got["evaluation"], ErrInvalidID) {
		t.Errorf("evaluation hook = %v", got["evaluation"])
	}
}

func TestLedger_CancelAfterQueueStillSucceeds(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	hooks := make(chan error, 1)
	s := &Store{
		dir:        dir,
		log:        slog.Default(),
		onWrite:    func(_ string, err error) { hooks <- err },
		ledger:     newLedgerWriter(dir, slog.Default()),
		evalLedger: EvaluationLedger,
		costLedger: CostLedger,
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.AppendCosts(ctx, testSession("late_20250301_090000_00000000")) }()

	// The writer is not running yet, so the row waits in the queue.
	deadline := time.Now().Add(5 * time.Second)
	for len(s.ledger.queue) == 0 {
		if time.Now().After(deadline) {
			go s.ledger.run()
			t.Fatal("row was never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	go s.ledger.run()

	if err := <-result; err != nil {
		t.Fatalf("AppendCosts = %v, want nil for a queued row", err)
	}
	if err := <-hooks; err != nil {
		t.Errorf("hook saw %v, want success", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, CostLedger))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "late_20250301_090000_00000000") {
		t.Errorf("cost ledger missing row:\n%s", data)
	}
}

func TestLedger_CancelledBeforeQueueing(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.AppendCosts(ctx, testSession("early_1")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
