package report

import (
	"math"

	"github.com/MrWong99/callwatch/internal/metrics"
)

// StageCosts splits a cost total by pipeline stage.
type StageCosts struct {
	STT      float64 `json:"stt"`
	LLM      float64 `json:"llm"`
	TTS      float64 `json:"tts"`
	Platform float64 `json:"platform"`
}

// CostSummary aggregates cost and latency over stored calls.
type CostSummary struct {
	Calls int `json:"calls"`
	Turns int `json:"turns"`

	TotalCost   float64    `json:"total_cost"`
	ByStage     StageCosts `json:"cost_by_stage"`
	AvgCallCost float64    `json:"avg_cost_per_call"`
	MinCallCost float64    `json:"min_call_cost"`
	MaxCallCost float64    `json:"max_call_cost"`

	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	AvgDurationSeconds   float64 `json:"avg_duration_seconds"`
	CostPerMinute        float64 `json:"cost_per_minute"`

	// Latency averages are means of the per-call averages, over calls that
	// reported a value.
	AvgEndToEndMs float64 `json:"avg_end_to_end_latency_ms"`
	AvgTTFTMs     float64 `json:"avg_ttft_ms"`
	AvgEOUDelayMs float64 `json:"avg_eou_delay_ms"`
}

// SummarizeCosts aggregates finalized sessions. An empty input yields a
// zero summary.
func SummarizeCosts(sessions []*metrics.Session) CostSummary {
	var sum CostSummary
	if len(sessions) == 0 {
		return sum
	}
	sum.MinCallCost = math.Inf(1)

	var e2e, ttft, eou mean
	for _, s := range sessions {
		t := s.Totals
		sum.Calls++
		sum.Turns += t.Turns
		sum.TotalCost += t.TotalCost
		sum.ByStage.STT += t.STTCost
		sum.ByStage.LLM += t.LLMCost
		sum.ByStage.TTS += t.TTSCost
		sum.ByStage.Platform += t.PlatformCost
		sum.MinCallCost = min(sum.MinCallCost, t.TotalCost)
		sum.MaxCallCost = max(sum.MaxCallCost, t.TotalCost)
		sum.TotalDurationSeconds += s.DurationSeconds
		e2e.add(t.AvgEndToEndMs)
		ttft.add(t.AvgTTFTMs)
		eou.add(t.AvgEOUDelayMs)
	}
	sum.AvgCallCost = sum.TotalCost / float64(sum.Calls)
	sum.AvgDurationSeconds = sum.TotalDurationSeconds / float64(sum.Calls)
	if sum.TotalDurationSeconds > 0 {
		sum.CostPerMinute = sum.TotalCost / (sum.TotalDurationSeconds / 60)
	}
	sum.AvgEndToEndMs = e2e.value()
	sum.AvgTTFTMs = ttft.value()
	sum.AvgEOUDelayMs = eou.value()
	return sum
}

// mean averages positive samples only.
type mean struct {
	total float64
	n     int
}

func (m *mean) add(v float64) {
	if v > 0 {
		m.total += v
		m.n++
	}
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.total / float64(m.n)
}
