package pricing

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileTable mirrors the on-disk pricing document:
//
//	{"pricing": {"stt": {...}, "llm": {...}, "tts": {...},
//	             "livekit": {"platform_cost": {"price_per_minute": 0.01}}}}
type fileTable struct {
	STT     map[string]TimeRate  `yaml:"stt" toml:"stt"`
	LLM     map[string]TokenRate `yaml:"llm" toml:"llm"`
	TTS     map[string]CharRate  `yaml:"tts" toml:"tts"`
	LiveKit struct {
		PlatformCost *TimeRate `yaml:"platform_cost" toml:"platform_cost"`
	} `yaml:"livekit" toml:"livekit"`
}

type fileDocument struct {
	Pricing fileTable `yaml:"pricing" toml:"pricing"`
}

// Load builds a table from [Default] overlaid with the entries of the pricing
// file at path. JSON and YAML documents are both read with the YAML decoder;
// files ending in .toml are read as TOML.
//
// An empty path or a missing file is not an error: the defaults are returned.
func Load(path string) (*Table, error) {
	t := Default()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("pricing file not found, using built-in defaults", "path", path)
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pricing: read %q: %w", path, err)
	}

	doc, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("pricing: parse %q: %w", path, err)
	}
	if err := doc.Pricing.validate(); err != nil {
		return nil, fmt.Errorf("pricing: %q: %w", path, err)
	}
	t.merge(doc.Pricing)

	slog.Info("pricing loaded",
		"path", path,
		"stt_models", len(t.stt),
		"llm_models", len(t.llm),
		"tts_models", len(t.tts),
		"platform_per_minute", t.platform.PricePerMinute,
	)
	return t, nil
}

func decode(path string, data []byte) (fileDocument, error) {
	var doc fileDocument
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), &doc)
		return doc, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	err := yaml.Unmarshal(data, &doc)
	return doc, err
}

// validate rejects negative prices. A negative price would make a stage cost
// negative, which the metrics engine never reports.
func (f fileTable) validate() error {
	var errs []error
	for m, r := range f.STT {
		if r.PricePerMinute < 0 {
			errs = append(errs, fmt.Errorf("stt.%s.price_per_minute is negative", m))
		}
	}
	for m, r := range f.LLM {
		if r.InputPricePer1K < 0 || r.OutputPricePer1K < 0 {
			errs = append(errs, fmt.Errorf("llm.%s has a negative token price", m))
		}
	}
	for m, r := range f.TTS {
		if r.PricePerCharacter < 0 {
			errs = append(errs, fmt.Errorf("tts.%s.price_per_character is negative", m))
		}
	}
	if pc := f.LiveKit.PlatformCost; pc != nil && pc.PricePerMinute < 0 {
		errs = append(errs, errors.New("livekit.platform_cost.price_per_minute is negative"))
	}
	return errors.Join(errs...)
}
