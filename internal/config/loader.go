package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known evaluation LLM providers.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"groq", "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral"}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config]. A missing file yields the
// defaults plus overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using defaults", "path", path)
		data = nil
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse decodes data over the defaults, applies overrides from lookup when
// non-nil and validates.
func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Call
	c := cfg.Call
	if c.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("call.max_duration %s must be positive", c.MaxDuration))
	}
	if c.WarningBefore < 0 || (c.MaxDuration > 0 && c.WarningBefore >= c.MaxDuration) {
		errs = append(errs, fmt.Errorf("call.warning_before %s must be in [0, max_duration)", c.WarningBefore))
	}
	if c.InactivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call.inactivity_timeout %s must be positive", c.InactivityTimeout))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("call.grace_period %s must not be negative", c.GracePeriod))
	}
	if c.FarewellThreshold <= 0 || c.FarewellThreshold > 1 {
		errs = append(errs, fmt.Errorf("call.farewell_threshold %.2f is out of range (0, 1]", c.FarewellThreshold))
	}
	for i, p := range c.FarewellPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("call.farewell_phrases[%d] is empty", i))
		}
	}

	// Evaluation
	e := cfg.Evaluation
	if e.UseLLM && e.Provider.Name == "" {
		errs = append(errs, errors.New("evaluation.provider.name is required when evaluation.use_llm is true"))
	}
	validateProviderName("evaluation.provider", e.Provider.Name)
	for i, fb := range e.Fallbacks {
		prefix := fmt.Sprintf("evaluation.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("evaluation.timeout %s must not be negative", e.Timeout))
	}
	if e.Temperature < 0 || e.Temperature > 2 {
		errs = append(errs, fmt.Errorf("evaluation.temperature %.2f is out of range [0, 2]", e.Temperature))
	}
	if e.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("evaluation.max_tokens %d must not be negative", e.MaxTokens))
	}
	if e.UseLLM && e.Provider.APIKey == "" && e.Provider.Name != "ollama" {
		slog.Warn("evaluation provider has no API key; evaluations will fall back to the heuristic",
			"provider", e.Provider.Name)
	}

	// Reports
	if cfg.Reports.Dir == "" {
		errs = append(errs, errors.New("reports.dir is required"))
	}
	for field, name := range map[string]string{
		"reports.evaluation_ledger": cfg.Reports.EvaluationLedger,
		"reports.cost_ledger":       cfg.Reports.CostLedger,
	} {
		if strings.ContainsAny(name, `/\`) {
			errs = append(errs, fmt.Errorf("%s %q must be a file name, not a path", field, name))
		}
	}
	if cfg.Reports.EvaluationLedger != "" && cfg.Reports.EvaluationLedger == cfg.Reports.CostLedger {
		errs = append(errs, errors.New("reports.evaluation_ledger and reports.cost_ledger must differ"))
	}

	// Retrieval
	r := cfg.Retrieval
	if r.Attempts < 0 {
		errs = append(errs, fmt.Errorf("retrieval.attempts %d must not be negative", r.Attempts))
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("retrieval backoff durations must not be negative"))
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		errs = append(errs, fmt.Errorf("retrieval.initial_backoff %s exceeds max_backoff %s", r.InitialBackoff, r.MaxBackoff))
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
