// Package metrics implements the per-call cost and latency engine.
//
// An [Engine] owns exactly one [Session] and is driven by a single call's
// event stream, so it performs no locking. Each conversational [Turn] holds a
// [StageRecord] per pipeline [Stage]; a record is opened once (timestamp
// captured) and closed once (usage, cost and latency captured). Costs come
// from a read-only [pricing.Table].
package metrics

import (
	"time"

	"github.com/MrWong99/callwatch/pkg/types"
)

// Stage is one of the three pipeline stages of a turn.
type Stage int

const (
	// StageSTT is speech-to-text transcription, priced per minute of audio.
	StageSTT Stage = iota

	// StageLLM is response generation, priced per 1K input and output tokens.
	StageLLM

	// StageTTS is speech synthesis, priced per character.
	StageTTS
)

// Stages lists every stage in pipeline order.
var Stages = [...]Stage{StageSTT, StageLLM, StageTTS}

// String returns the short lower-case stage name.
func (s Stage) String() string {
	switch s {
	case StageSTT:
		return "stt"
	case StageLLM:
		return "llm"
	case StageTTS:
		return "tts"
	default:
		return "unknown"
	}
}

// Usage is the quantity consumed by a stage, reported when it closes. Only
// the fields relevant to the stage are read.
type Usage struct {
	// AudioSeconds is the transcribed audio length (STT).
	AudioSeconds float64

	// InputTokens and OutputTokens are the generation token counts (LLM).
	InputTokens  int
	OutputTokens int

	// Characters is the synthesized character count (TTS).
	Characters int

	// Text is the transcribed user text (STT) or the generated reply (LLM).
	// Non-empty text is appended to the call transcript.
	Text string

	// FirstOutputMs is the LLM time-to-first-token or the TTS
	// time-to-first-byte.
	FirstOutputMs float64

	// EOUDelayMs is the end-of-utterance detection delay (STT).
	EOUDelayMs float64
}

// StageRecord is the measurement of one stage within a turn.
type StageRecord struct {
	Model string `json:"model"`

	AudioSeconds float64 `json:"audio_seconds,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Characters   int     `json:"characters,omitempty"`

	Cost           float64 `json:"cost"`
	LatencyMs      float64 `json:"latency_ms"`
	FirstOutputMs  float64 `json:"first_output_ms,omitempty"`
	PricingMissing bool    `json:"pricing_missing,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Closed reports whether the record has received its closing measurement.
func (r *StageRecord) Closed() bool {
	return r != nil && !r.EndedAt.IsZero()
}

// Turn is one user-utterance / agent-response cycle.
type Turn struct {
	Index     int       `json:"index"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	STT *StageRecord `json:"stt,omitempty"`
	LLM *StageRecord `json:"llm,omitempty"`
	TTS *StageRecord `json:"tts,omitempty"`

	// EOUDelayMs, TTFTMs and EndToEndMs are latency figures in milliseconds.
	// TTFTMs = EOU delay + LLM first token + TTS first byte. EndToEndMs is
	// only set when all three stages closed (Complete is true).
	EOUDelayMs float64 `json:"eou_delay_ms"`
	TTFTMs     float64 `json:"ttft_ms"`
	EndToEndMs float64 `json:"end_to_end_latency_ms"`

	TotalCost float64 `json:"total_cost"`
	Complete  bool    `json:"complete"`
	Closed    bool    `json:"closed"`

	reply int // 1-based transcript position of the agent reply, 0 if none
}

func (t *Turn) stage(s Stage) **StageRecord {
	switch s {
	case StageSTT:
		return &t.STT
	case StageLLM:
		return &t.LLM
	case StageTTS:
		return &t.TTS
	}
	return nil
}

// Totals are the per-call aggregates computed by [Engine.FinalizeCall].
type Totals struct {
	Turns int `json:"turns"`

	STTCost      float64 `json:"stt_cost"`
	LLMCost      float64 `json:"llm_cost"`
	TTSCost      float64 `json:"tts_cost"`
	PlatformCost float64 `json:"platform_cost"`
	TotalCost    float64 `json:"total_cost"`

	STTSeconds      float64 `json:"stt_audio_seconds"`
	LLMInputTokens  int     `json:"llm_input_tokens"`
	LLMOutputTokens int     `json:"llm_output_tokens"`
	TTSCharacters   int     `json:"tts_characters"`

	AvgSTTLatencyMs float64 `json:"avg_stt_latency_ms"`
	AvgLLMLatencyMs float64 `json:"avg_llm_latency_ms"`
	AvgTTSLatencyMs float64 `json:"avg_tts_latency_ms"`
	AvgEndToEndMs   float64 `json:"avg_end_to_end_latency_ms"`

	AvgEOUDelayMs float64 `json:"avg_eou_delay_ms"`
	AvgLLMTTFTMs  float64 `json:"avg_llm_ttft_ms"`
	AvgTTSTTFBMs  float64 `json:"avg_tts_ttfb_ms"`
	AvgTTFTMs     float64 `json:"avg_ttft_ms"`
}

// Session is the full record of one call. It is mutated only by its
// [Engine] and is read-only once finalized.
type Session struct {
	CallID            string          `json:"call_id"`
	Room              string          `json:"room"`
	StartedAt         time.Time       `json:"start_time"`
	EndedAt           time.Time       `json:"end_time,omitzero"`
	DurationSeconds   float64         `json:"duration_seconds"`
	TerminationReason string          `json:"termination_reason,omitempty"`
	Turns             []*Turn         `json:"turns"`
	Transcript        []types.Message `json:"transcript"`
	Totals            Totals          `json:"totals"`
	Warnings          []string        `json:"warnings,omitempty"`
	Finalized         bool            `json:"finalized"`
}
