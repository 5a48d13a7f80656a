package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
)

// EvaluationColumns is the header of the evaluation ledger.
var EvaluationColumns = []string{
	"call_id", "timestamp", "duration_seconds", "total_cost",
	"user_sentiment", "call_summary", "query_resolved", "escalation_required",
	"query_category", "testing_phase",
	"medical_boundary_maintained", "proper_disclaimer_given",
	"total_turns", "avg_latency_ms", "evaluation_method", "notes", "flags",
	"conversation_transcript",
}

// CostColumns is the header of the cost ledger.
var CostColumns = []string{
	"call_id", "timestamp", "duration_seconds",
	"total_cost", "total_stt_cost", "total_llm_cost", "total_tts_cost", "total_livekit_cost",
	"total_stt_duration", "total_llm_input_tokens", "total_llm_output_tokens", "total_tts_characters",
	"avg_eou_delay_ms", "avg_llm_ttft_ms", "avg_tts_ttfb_ms", "avg_ttft_ms",
}

const flagSep = ";"

func evaluationRow(r *evaluation.Record) ([]string, error) {
	transcript, err := json.Marshal(r.Transcript)
	if err != nil {
		return nil, fmt.Errorf("report: marshal transcript: %w", err)
	}
	disclaimer := ""
	if r.Compliance.DisclaimerGiven != nil {
		disclaimer = strconv.FormatBool(*r.Compliance.DisclaimerGiven)
	}
	return []string{
		r.CallID,
		r.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatFloat(r.DurationSeconds, 'f', 2, 64),
		strconv.FormatFloat(r.TotalCost, 'f', 6, 64),
		string(r.Core.Sentiment),
		r.Core.Summary,
		strconv.FormatBool(r.Core.Resolved),
		strconv.FormatBool(r.Core.EscalationRequired),
		string(r.Domain.Category),
		string(r.Domain.Phase),
		strconv.FormatBool(r.Compliance.BoundaryMaintained),
		disclaimer,
		strconv.Itoa(r.Info.TotalTurns),
		strconv.FormatFloat(r.Info.AvgLatencyMs, 'f', 1, 64),
		string(r.Info.Method),
		r.Notes,
		strings.Join(r.Flags, flagSep),
		string(transcript),
	}, nil
}

func costRow(s *metrics.Session) []string {
	t := s.Totals
	f2 := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	f6 := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return []string{
		s.CallID,
		s.EndedAt.UTC().Format(time.RFC3339),
		f2(s.DurationSeconds),
		f6(t.TotalCost), f6(t.STTCost), f6(t.LLMCost), f6(t.TTSCost), f6(t.PlatformCost),
		f2(t.STTSeconds),
		strconv.Itoa(t.LLMInputTokens), strconv.Itoa(t.LLMOutputTokens), strconv.Itoa(t.TTSCharacters),
		f2(t.AvgEOUDelayMs), f2(t.AvgLLMTTFTMs), f2(t.AvgTTSTTFBMs), f2(t.AvgTTFTMs),
	}
}

// parseEvaluationRow is the inverse of evaluationRow.
func parseEvaluationRow(row []string) (*evaluation.Record, error) {
	if len(row) != len(EvaluationColumns) {
		return nil, fmt.Errorf("report: evaluation row has %d columns, want %d", len(row), len(EvaluationColumns))
	}
	var errs []error
	parseFloat := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		errs = append(errs, err)
		return v
	}
	parseBool := func(s string) bool {
		v, err := strconv.ParseBool(s)
		errs = append(errs, err)
		return v
	}

	r := &evaluation.Record{CallID: row[0]}
	ts, err := time.Parse(time.RFC3339, row[1])
	errs = append(errs, err)
	r.Timestamp = ts
	r.DurationSeconds = parseFloat(row[2])
	r.TotalCost = parseFloat(row[3])
	r.Core = evaluation.CoreMetrics{
		Sentiment:          evaluation.Sentiment(row[4]),
		Summary:            row[5],
		Resolved:           parseBool(row[6]),
		EscalationRequired: parseBool(row[7]),
	}
	r.Domain = evaluation.DomainMetrics{
		Category: evaluation.Category(row[8]),
		Phase:    evaluation.Phase(row[9]),
	}
	r.Compliance.BoundaryMaintained = parseBool(row[10])
	if row[11] != "" {
		d := parseBool(row[11])
		r.Compliance.DisclaimerGiven = &d
	}
	turns, err := strconv.Atoi(row[12])
	errs = append(errs, err)
	r.Info = evaluation.AdditionalInfo{
		TotalTurns:   turns,
		AvgLatencyMs: parseFloat(row[13]),
		Method:       evaluation.Method(row[14]),
		Version:      evaluation.Version,
	}
	r.Notes = row[15]
	r.Flags = []string{}
	if row[16] != "" {
		r.Flags = strings.Split(row[16], flagSep)
	}
	if row[17] != "" {
		errs = append(errs, json.Unmarshal([]byte(row[17]), &r.Transcript))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("report: parse evaluation row %s: %w", row[0], err)
	}
	return r, nil
}

// ledgerAppend is one queued row. The writer answers on done.
type ledgerAppend struct {
	file   string
	header []string
	row    []string
	done   chan error
}

// ledgerWriter serializes appends to all ledgers in one goroutine.
type ledgerWriter struct {
	dir string
	log *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan ledgerAppend
	done   chan struct{}
}

// newLedgerWriter returns a writer whose queue is not drained until run is
// started.
func newLedgerWriter(dir string, log *slog.Logger) *ledgerWriter {
	return &ledgerWriter{
		dir:   dir,
		log:   log,
		queue: make(chan ledgerAppend, 64),
		done:  make(chan struct{}),
	}
}

func (w *ledgerWriter) run() {
	defer close(w.done)
	for a := range w.queue {
		a.done <- w.write(a)
	}
}

// append queues a row and waits until it is on disk. ctx only bounds the
// wait for queue space: once queued the row is written, and append returns
// the result of that write.
func (w *ledgerWriter) append(ctx context.Context, file string, header, row []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("report: queue %s: %w", file, err)
	}
	a := ledgerAppend{file: file, header: header, row: row, done: make(chan error, 1)}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	select {
	case w.queue <- a:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return fmt.Errorf("report: queue %s: %w", file, ctx.Err())
	}

	return <-a.done
}

func (w *ledgerWriter) write(a ledgerAppend) error {
	path := filepath.Join(w.dir, a.file)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("report: open %s: %w", a.file, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("report: stat %s: %w", a.file, err)
	}
	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(a.header); err != nil {
			return fmt.Errorf("report: write %s header: %w", a.file, err)
		}
	}
	if err := cw.Write(a.row); err != nil {
		return fmt.Errorf("report: write %s: %w", a.file, err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush %s: %w", a.file, err)
	}
	return nil
}

func (w *ledgerWriter) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

// AppendEvaluation adds one row to the evaluation ledger.
func (s *Store) AppendEvaluation(ctx context.Context, r *evaluation.Record) error {
	row, err := evaluationRow(r)
	if err == nil {
		err = s.ledger.append(ctx, s.evalLedger, EvaluationColumns, row)
	}
	s.hook("evaluation_ledger", err)
	return err
}

// AppendCosts adds one row to the cost ledger.
func (s *Store) AppendCosts(ctx context.Context, sess *metrics.Session) error {
	err := s.ledger.append(ctx, s.costLedger, CostColumns, costRow(sess))
	s.hook("cost_ledger", err)
	return err
}

// Evaluations reads the evaluation ledger back. A missing ledger yields no
// records. Malformed rows are logged and skipped.
func (s *Store) Evaluations() ([]*evaluation.Record, error) {
	f, err := os.Open(filepath.Join(s.dir, s.evalLedger))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("report: open ledger: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	var out []*evaluation.Record
	for line := 0; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("report: read ledger: %w", err)
		}
		if line == 0 && len(row) > 0 && row[0] == EvaluationColumns[0] {
			continue
		}
		r, err := parseEvaluationRow(row)
		if err != nil {
			s.log.Warn("skipping ledger row", "line", line+1, "err", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
