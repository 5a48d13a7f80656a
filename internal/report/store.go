// Package report persists finished calls and serves them back.
//
// Each call produces two JSON documents in the report directory, keyed by
// call id: <id>_metrics.json and <id>_labs_eval.json. Both are written to a
// temporary file in the same directory and renamed into place, so readers
// never observe a partial document. Evaluation and cost rows are appended to
// two CSV ledgers by a single writer goroutine owned by the [Store].
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
)

// Sentinel errors.
var (
	// ErrNotFound means no stored document matches. Callers polling for a
	// freshly ended call should retry.
	ErrNotFound = errors.New("report: not found")

	// ErrInvalidID is returned for ids or prefixes that could escape the
	// report directory.
	ErrInvalidID = errors.New("report: invalid call id")

	// ErrClosed is returned by ledger appends after [Store.Close].
	ErrClosed = errors.New("report: store closed")
)

// Document file suffixes.
const (
	MetricsSuffix    = "_metrics.json"
	EvaluationSuffix = "_labs_eval.json"
)

// Default ledger file names inside the report directory.
const (
	EvaluationLedger = "labs_call_evaluations.csv"
	CostLedger       = "call_cost_metrics.csv"
)

// Document is the merged view of one call. Either half may be missing while
// the finalization pipeline is still writing.
type Document struct {
	CallID     string             `json:"call_id"`
	Metrics    *metrics.Session   `json:"metrics,omitempty"`
	Evaluation *evaluation.Record `json:"evaluation,omitempty"`
}

// Option configures a [Store].
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithWriteHook calls fn after every document write and ledger append with
// the artifact kind ("metrics", "evaluation", "evaluation_ledger",
// "cost_ledger") and the resulting error.
func WithWriteHook(fn func(kind string, err error)) Option {
	return func(s *Store) { s.onWrite = fn }
}

// WithLedgerFiles overrides the ledger file names. Empty names keep the
// defaults.
func WithLedgerFiles(evaluations, costs string) Option {
	return func(s *Store) {
		if evaluations != "" {
			s.evalLedger = evaluations
		}
		if costs != "" {
			s.costLedger = costs
		}
	}
}

// Store is a directory of call documents plus the two ledgers. It is safe
// for concurrent use.
type Store struct {
	dir     string
	log     *slog.Logger
	onWrite func(string, error)
	ledger  *ledgerWriter

	evalLedger string
	costLedger string
}

// Open creates dir if needed and starts the ledger writer. Call [Store.Close]
// to drain pending ledger rows.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create dir: %w", err)
	}
	s := &Store{dir: dir, log: slog.Default(), evalLedger: EvaluationLedger, costLedger: CostLedger}
	for _, o := range opts {
		o(s)
	}
	s.ledger = newLedgerWriter(dir, s.log)
	go s.ledger.run()
	return s, nil
}

// Dir returns the report directory.
func (s *Store) Dir() string { return s.dir }

// Close stops the ledger writer after draining queued rows.
func (s *Store) Close() error {
	s.ledger.close()
	return nil
}

// WriteMetrics atomically writes the metrics document of a finalized call.
func (s *Store) WriteMetrics(sess *metrics.Session) error {
	err := s.writeDoc(sess.CallID, MetricsSuffix, sess)
	s.hook("metrics", err)
	return err
}

// WriteEvaluation atomically writes the evaluation document of a call.
func (s *Store) WriteEvaluation(r *evaluation.Record) error {
	err := s.writeDoc(r.CallID, EvaluationSuffix, r)
	s.hook("evaluation", err)
	return err
}

func (s *Store) hook(kind string, err error) {
	if err != nil {
		s.log.Error("report write failed", "kind", kind, "err", err)
	}
	if s.onWrite != nil {
		s.onWrite(kind, err)
	}
}

func (s *Store) writeDoc(id, suffix string, v any) error {
	if err := validID(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal %s: %w", id+suffix, err)
	}
	return writeFileAtomic(filepath.Join(s.dir, id+suffix), data)
}

// writeFileAtomic writes data next to path and renames it into place.
// Temporary names start with a dot so directory scans skip them.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("report: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("report: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("report: sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("report: chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// List returns the ids of all calls with at least one stored document,
// sorted ascending. Ids embed their start time, so the order is
// chronological per room.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("report: read dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id, ok := docID(e.Name())
		if !ok {
			continue
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func docID(name string) (string, bool) {
	for _, suffix := range []string{EvaluationSuffix, MetricsSuffix} {
		if id, ok := strings.CutSuffix(name, suffix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// Search returns the id of the stored call whose id starts with prefix.
// When several match, the most recent one wins. A miss returns
// [ErrNotFound].
func (s *Store) Search(prefix string) (string, error) {
	if prefix == "" || strings.ContainsAny(prefix, `/\`) {
		return "", fmt.Errorf("%w: prefix %q", ErrInvalidID, prefix)
	}
	ids, err := s.List()
	if err != nil {
		return "", err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if strings.HasPrefix(ids[i], prefix) {
			return ids[i], nil
		}
	}
	return "", ErrNotFound
}

// Get returns the merged document of one call. It returns [ErrNotFound]
// when neither document exists yet.
func (s *Store) Get(id string) (*Document, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	doc := &Document{CallID: id}

	var sess metrics.Session
	switch ok, err := s.readDoc(id+MetricsSuffix, &sess); {
	case err != nil:
		return nil, err
	case ok:
		doc.Metrics = &sess
	}
	var rec evaluation.Record
	switch ok, err := s.readDoc(id+EvaluationSuffix, &rec); {
	case err != nil:
		return nil, err
	case ok:
		doc.Evaluation = &rec
	}

	if doc.Metrics == nil && doc.Evaluation == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, nil
}

func (s *Store) readDoc(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("report: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("report: decode %s: %w", name, err)
	}
	return true, nil
}

// Sessions loads every stored metrics document. Unreadable documents are
// logged and skipped.
func (s *Store) Sessions() ([]*metrics.Session, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]*metrics.Session, 0, len(ids))
	for _, id := range ids {
		var sess metrics.Session
		ok, err := s.readDoc(id+MetricsSuffix, &sess)
		if err != nil {
			s.log.Warn("skipping metrics document", "call_id", id, "err", err)
			continue
		}
		if ok {
			out = append(out, &sess)
		}
	}
	return out, nil
}
