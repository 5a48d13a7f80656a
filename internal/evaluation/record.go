package evaluation

import (
	"time"

	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/pkg/types"
)

// Judgment holds the eight evaluated dimensions plus reviewer notes. Both
// evaluation paths produce one; it is never assembled from a mix of them.
type Judgment struct {
	Sentiment          Sentiment
	Summary            string
	Resolved           bool
	EscalationRequired bool
	Category           Category
	Phase              Phase

	BoundaryMaintained bool

	// DisclaimerGiven is nil when test results were not discussed.
	DisclaimerGiven *bool

	Notes string
}

// CoreMetrics is the first evaluation category.
type CoreMetrics struct {
	Sentiment          Sentiment `json:"user_sentiment"`
	Summary            string    `json:"call_summary"`
	Resolved           bool      `json:"query_resolved"`
	EscalationRequired bool      `json:"escalation_required"`
}

// DomainMetrics is the second evaluation category.
type DomainMetrics struct {
	Category Category `json:"query_category"`
	Phase    Phase    `json:"testing_phase"`
}

// ComplianceMetrics is the third evaluation category.
type ComplianceMetrics struct {
	BoundaryMaintained bool  `json:"medical_boundary_maintained"`
	DisclaimerGiven    *bool `json:"proper_disclaimer_given"`
}

// AdditionalInfo carries call facts and the evaluation provenance.
type AdditionalInfo struct {
	TotalTurns   int     `json:"total_turns"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Method       Method  `json:"evaluation_method"`
	Version      string  `json:"evaluation_version"`
}

// Record is the evaluation document of one call. Records are built by
// [Evaluator.Evaluate] and must not be modified afterwards.
type Record struct {
	CallID          string    `json:"call_id"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds float64   `json:"duration_seconds"`
	TotalCost       float64   `json:"total_cost"`

	Core       CoreMetrics       `json:"core_metrics"`
	Domain     DomainMetrics     `json:"domain_metrics"`
	Compliance ComplianceMetrics `json:"compliance_metrics"`

	Transcript []types.Message `json:"conversation_transcript"`
	Info       AdditionalInfo  `json:"additional_info"`
	Notes      string          `json:"notes"`
	Flags      []string        `json:"flags"`
}

// newRecord combines a finalized session with a judgment.
func newRecord(s *metrics.Session, j Judgment, m Method) *Record {
	transcript := make([]types.Message, len(s.Transcript))
	copy(transcript, s.Transcript)
	r := &Record{
		CallID:          s.CallID,
		Timestamp:       s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		TotalCost:       s.Totals.TotalCost,
		Core: CoreMetrics{
			Sentiment:          j.Sentiment,
			Summary:            j.Summary,
			Resolved:           j.Resolved,
			EscalationRequired: j.EscalationRequired,
		},
		Domain: DomainMetrics{Category: j.Category, Phase: j.Phase},
		Compliance: ComplianceMetrics{
			BoundaryMaintained: j.BoundaryMaintained,
			DisclaimerGiven:    j.DisclaimerGiven,
		},
		Transcript: transcript,
		Info: AdditionalInfo{
			TotalTurns:   len(s.Turns),
			AvgLatencyMs: s.Totals.AvgEndToEndMs,
			Method:       m,
			Version:      Version,
		},
		Notes: j.Notes,
	}
	r.Flags = ComplianceFlags(r)
	return r
}

func boolPtr(b bool) *bool { return &b }
