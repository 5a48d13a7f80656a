package config

import (
	"reflect"
)

// ConfigDiff describes the hot-reloadable changes between two configs.
// Everything else (listen address, report directory, sinks) requires a
// restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallChanged is true when any call limit, message or model changed.
	// New values apply to calls started after the reload.
	CallChanged bool

	UseLLMChanged bool
	NewUseLLM     bool

	PricingChanged bool

	// RestartRequired names top-level sections that changed but cannot be
	// applied to a running server.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CallChanged && !d.UseLLMChanged && !d.PricingChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.CallChanged = !reflect.DeepEqual(old.Call, new.Call)
	if old.Evaluation.UseLLM != new.Evaluation.UseLLM {
		d.UseLLMChanged = true
		d.NewUseLLM = new.Evaluation.UseLLM
	}
	d.PricingChanged = old.Pricing != new.Pricing

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	oldEval, newEval := old.Evaluation, new.Evaluation
	oldEval.UseLLM, newEval.UseLLM = false, false
	if !reflect.DeepEqual(oldEval, newEval) {
		d.RestartRequired = append(d.RestartRequired, "evaluation")
	}
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"reports", old.Reports, new.Reports},
		{"retrieval", old.Retrieval, new.Retrieval},
		{"postgres", old.Postgres, new.Postgres},
		{"amqp", old.AMQP, new.AMQP},
		{"mcp", old.MCP, new.MCP},
	} {
		if s.old != s.new {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
