package resilience

import (
	"context"

	"github.com/MrWong99/callwatch/pkg/provider/llm"
	"github.com/MrWong99/callwatch/pkg/types"
)

// LLMFailover is an [llm.Provider] that fails over between models.
type LLMFailover struct {
	pool *Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover wraps members, the first of which is the primary.
func NewLLMFailover(cfg BreakerConfig, members ...Member[llm.Provider]) *LLMFailover {
	return &LLMFailover{pool: NewFailover(cfg, members...)}
}

// Complete returns the first successful completion. When the serving
// backend leaves Model empty it is set to the member name.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, name, err := Call(ctx, f.pool, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Model == "" {
		resp.Model = name
	}
	return resp, nil
}

// Capabilities reports the primary's capabilities.
func (f *LLMFailover) Capabilities() types.ModelCapabilities {
	if m, ok := f.pool.Primary(); ok {
		return m.Value.Capabilities()
	}
	return types.ModelCapabilities{}
}

// Members lists the backend names in try order.
func (f *LLMFailover) Members() []string { return f.pool.Names() }
