// Package postgres mirrors finished call reports into PostgreSQL so they can
// be queried alongside other operational data. The report directory stays
// the source of truth; a failed mirror write never affects it.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
)

// Schema is the DDL for the call_reports table. Execute it via
// [Mirror.Migrate] or apply it during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_reports (
    call_id                     TEXT PRIMARY KEY,
    room                        TEXT NOT NULL DEFAULT '',
    started_at                  TIMESTAMPTZ NOT NULL,
    ended_at                    TIMESTAMPTZ NOT NULL,
    duration_seconds            DOUBLE PRECISION NOT NULL DEFAULT 0,
    termination_reason          TEXT NOT NULL DEFAULT '',
    turns                       INTEGER NOT NULL DEFAULT 0,
    stt_cost                    DOUBLE PRECISION NOT NULL DEFAULT 0,
    llm_cost                    DOUBLE PRECISION NOT NULL DEFAULT 0,
    tts_cost                    DOUBLE PRECISION NOT NULL DEFAULT 0,
    platform_cost               DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_cost                  DOUBLE PRECISION NOT NULL DEFAULT 0,
    user_sentiment              TEXT NOT NULL,
    query_category              TEXT NOT NULL,
    testing_phase               TEXT NOT NULL,
    query_resolved              BOOLEAN NOT NULL,
    escalation_required         BOOLEAN NOT NULL,
    medical_boundary_maintained BOOLEAN NOT NULL,
    proper_disclaimer_given     BOOLEAN,
    evaluation_method           TEXT NOT NULL,
    flags                       JSONB NOT NULL DEFAULT '[]',
    metrics                     JSONB NOT NULL,
    evaluation                  JSONB NOT NULL,
    created_at                  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_reports_room ON call_reports(room);
CREATE INDEX IF NOT EXISTS idx_call_reports_ended_at ON call_reports(ended_at);
`

// DB is the database interface used by [Mirror]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Mirror writes call reports to PostgreSQL.
type Mirror struct {
	db DB
}

// New returns a mirror using db. Call [Mirror.Migrate] before the first
// [Mirror.Save].
func New(db DB) *Mirror {
	return &Mirror{db: db}
}

// Migrate creates the call_reports table and indexes if missing.
func (m *Mirror) Migrate(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity. It is used as a readiness check.
func (m *Mirror) Ping(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Save upserts the report of one call. Saving the same call twice replaces
// the earlier row.
func (m *Mirror) Save(ctx context.Context, s *metrics.Session, r *evaluation.Record) error {
	if s.CallID != r.CallID {
		return fmt.Errorf("postgres: save: session %q and evaluation %q differ", s.CallID, r.CallID)
	}
	metricsJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("postgres: marshal metrics: %w", err)
	}
	evalJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: marshal evaluation: %w", err)
	}
	flags := r.Flags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("postgres: marshal flags: %w", err)
	}

	const query = `
		INSERT INTO call_reports (
			call_id, room, started_at, ended_at, duration_seconds, termination_reason, turns,
			stt_cost, llm_cost, tts_cost, platform_cost, total_cost,
			user_sentiment, query_category, testing_phase,
			query_resolved, escalation_required, medical_boundary_maintained, proper_disclaimer_given,
			evaluation_method, flags, metrics, evaluation
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (call_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			termination_reason = EXCLUDED.termination_reason,
			turns = EXCLUDED.turns,
			stt_cost = EXCLUDED.stt_cost,
			llm_cost = EXCLUDED.llm_cost,
			tts_cost = EXCLUDED.tts_cost,
			platform_cost = EXCLUDED.platform_cost,
			total_cost = EXCLUDED.total_cost,
			user_sentiment = EXCLUDED.user_sentiment,
			query_category = EXCLUDED.query_category,
			testing_phase = EXCLUDED.testing_phase,
			query_resolved = EXCLUDED.query_resolved,
			escalation_required = EXCLUDED.escalation_required,
			medical_boundary_maintained = EXCLUDED.medical_boundary_maintained,
			proper_disclaimer_given = EXCLUDED.proper_disclaimer_given,
			evaluation_method = EXCLUDED.evaluation_method,
			flags = EXCLUDED.flags,
			metrics = EXCLUDED.metrics,
			evaluation = EXCLUDED.evaluation`

	t := s.Totals
	_, err = m.db.Exec(ctx, query,
		s.CallID, s.Room, s.StartedAt, s.EndedAt, s.DurationSeconds, s.TerminationReason, t.Turns,
		t.STTCost, t.LLMCost, t.TTSCost, t.PlatformCost, t.TotalCost,
		string(r.Core.Sentiment), string(r.Domain.Category), string(r.Domain.Phase),
		r.Core.Resolved, r.Core.EscalationRequired, r.Compliance.BoundaryMaintained, r.Compliance.DisclaimerGiven,
		string(r.Info.Method), flagsJSON, metricsJSON, evalJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: save %s: %w", s.CallID, err)
	}
	return nil
}
