// Package pricing holds the per-model price table used to cost each pipeline
// stage of a call.
//
// Three unit kinds are supported: per-minute of audio (transcription and the
// platform connectivity charge), per-1K tokens split into input and output
// (generation), and per-character (synthesis). A [Table] is built once at
// startup from [Default] and an optional override file and is read-only
// afterwards, so it may be shared between calls without locking.
package pricing

import (
	"maps"
	"slices"
	"strings"
)

// Kind identifies which price family a model belongs to.
type Kind string

const (
	KindSTT      Kind = "stt"
	KindLLM      Kind = "llm"
	KindTTS      Kind = "tts"
	KindPlatform Kind = "platform"
)

// TimeRate prices audio or connection time.
type TimeRate struct {
	PricePerMinute float64 `json:"price_per_minute" yaml:"price_per_minute" toml:"price_per_minute"`
}

// Cost returns (seconds/60) × PricePerMinute. Negative durations cost nothing.
func (r TimeRate) Cost(seconds float64) float64 {
	if seconds <= 0 || r.PricePerMinute <= 0 {
		return 0
	}
	return seconds / 60 * r.PricePerMinute
}

// TokenRate prices generated and consumed tokens per thousand.
type TokenRate struct {
	InputPricePer1K  float64 `json:"input_price_per_1k" yaml:"input_price_per_1k" toml:"input_price_per_1k"`
	OutputPricePer1K float64 `json:"output_price_per_1k" yaml:"output_price_per_1k" toml:"output_price_per_1k"`
}

// Cost returns in/1000 × input price + out/1000 × output price.
func (r TokenRate) Cost(inputTokens, outputTokens int) float64 {
	var c float64
	if inputTokens > 0 && r.InputPricePer1K > 0 {
		c += float64(inputTokens) / 1000 * r.InputPricePer1K
	}
	if outputTokens > 0 && r.OutputPricePer1K > 0 {
		c += float64(outputTokens) / 1000 * r.OutputPricePer1K
	}
	return c
}

// CharRate prices synthesized characters.
type CharRate struct {
	PricePerCharacter float64 `json:"price_per_character" yaml:"price_per_character" toml:"price_per_character"`
}

// Cost returns chars × PricePerCharacter.
func (r CharRate) Cost(chars int) float64 {
	if chars <= 0 || r.PricePerCharacter <= 0 {
		return 0
	}
	return float64(chars) * r.PricePerCharacter
}

// Table maps model identifiers to prices. The zero value has no entries; use
// [Default] or [Load] to obtain a populated table.
type Table struct {
	stt      map[string]TimeRate
	llm      map[string]TokenRate
	tts      map[string]CharRate
	platform TimeRate
}

// Default returns the built-in price table.
func Default() *Table {
	return &Table{
		stt: map[string]TimeRate{
			"whisper-large-v3-turbo": {PricePerMinute: 0.02},
			"whisper-large-v3":       {PricePerMinute: 0.025},
		},
		llm: map[string]TokenRate{
			"llama-3.3-70b-versatile": {InputPricePer1K: 0.00059, OutputPricePer1K: 0.00079},
			"llama-3.1-8b-instant":    {InputPricePer1K: 0.00005, OutputPricePer1K: 0.00008},
			"mixtral-8x7b-32768":      {InputPricePer1K: 0.00024, OutputPricePer1K: 0.00024},
		},
		tts: map[string]CharRate{
			"canopylabs/orpheus-v1-english": {PricePerCharacter: 0.00001},
			"playai-tts":                    {PricePerCharacter: 0.00001},
		},
		platform: TimeRate{PricePerMinute: 0.01},
	}
}

// NormalizeModel lower-cases and trims a model identifier so lookups are
// insensitive to the spelling used by upstream SDKs.
func NormalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// STT returns the transcription rate for model.
func (t *Table) STT(model string) (TimeRate, bool) {
	r, ok := t.stt[NormalizeModel(model)]
	return r, ok
}

// LLM returns the generation rate for model.
func (t *Table) LLM(model string) (TokenRate, bool) {
	r, ok := t.llm[NormalizeModel(model)]
	return r, ok
}

// TTS returns the synthesis rate for model.
func (t *Table) TTS(model string) (CharRate, bool) {
	r, ok := t.tts[NormalizeModel(model)]
	return r, ok
}

// Platform returns the connectivity rate charged per minute of call time.
func (t *Table) Platform() TimeRate {
	return t.platform
}

// Models lists the known model identifiers of kind in sorted order.
func (t *Table) Models(kind Kind) []string {
	switch kind {
	case KindSTT:
		return slices.Sorted(maps.Keys(t.stt))
	case KindLLM:
		return slices.Sorted(maps.Keys(t.llm))
	case KindTTS:
		return slices.Sorted(maps.Keys(t.tts))
	}
	return nil
}

// merge copies every entry of o into t, replacing entries with the same
// normalized model name.
func (t *Table) merge(o fileTable) {
	for m, r := range o.STT {
		t.stt[NormalizeModel(m)] = r
	}
	for m, r := range o.LLM {
		t.llm[NormalizeModel(m)] = r
	}
	for m, r := range o.TTS {
		t.tts[NormalizeModel(m)] = r
	}
	if o.LiveKit.PlatformCost != nil {
		t.platform = *o.LiveKit.PlatformCost
	}
}
