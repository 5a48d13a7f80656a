package evaluation

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callwatch/pkg/provider/llm"
	llmmock "github.com/MrWong99/callwatch/pkg/provider/llm/mock"
	"github.com/MrWong99/callwatch/pkg/types"
)

type hookRecorder struct {
	mu      sync.Mutex
	methods []Method
	errs    []error
}

func (h *hookRecorder) hook(m Method, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods = append(h.methods, m)
	h.errs = append(h.errs, err)
}

func TestEvaluate_LLMPath(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse:  &llm.CompletionResponse{Content: validResponse, Model: "llama-3.3-70b-versatile"},
		ModelCapabilities: types.ModelCapabilities{SupportsJSONMode: true},
	}
	var h hookRecorder
	e := New(p, Config{UseLLM: true}, WithResultHook(h.hook))

	s := session("My cholesterol result is high, should I worry?", "That marker reflects blood lipids. I can't give medical advice, please consult your doctor.")
	rec := e.Evaluate(context.Background(), s)

	if rec.Info.Method != MethodLLM {
		t.Fatalf("method = %s, want llm", rec.Info.Method)
	}
	if rec.Core.Sentiment != SentimentAnxious || rec.Domain.Category != CategoryResultsConcern {
		t.Errorf("record = %+v", rec.Core)
	}
	if rec.Info.Version != Version || rec.CallID != s.CallID || len(rec.Transcript) != 2 {
		t.Errorf("provenance = %+v call=%s transcript=%d", rec.Info, rec.CallID, len(rec.Transcript))
	}
	if len(rec.Flags) != 0 {
		t.Errorf("flags = %v, want none", rec.Flags)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete called %d times", len(calls))
	}
	req := calls[0].Req
	if !req.JSONMode || req.Temperature != DefaultTemperature || req.MaxTokens != DefaultMaxTokens {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Messages[0].Content, "cholesterol") {
		t.Error("transcript not sent to the model")
	}
	if _, ok := calls[0].Ctx.Deadline(); !ok {
		t.Error("model call has no deadline")
	}
	if len(h.methods) != 1 || h.methods[0] != MethodLLM || h.errs[0] != nil {
		t.Errorf("hook = %v %v", h.methods, h.errs)
	}
}

func TestEvaluate_FallsBackToHeuristic(t *testing.T) {
	t.Parallel()
	boom := errors.New("rate limited")
	tests := []struct {
		name    string
		p       *llmmock.Provider
		timeout time.Duration
		want    error
	}{
		{
			name: "invalid enum",
			p:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: strings.Replace(validResponse, `"anxious"`, `"elated"`, 1)}},
			want: ErrInvalidResponse,
		},
		{
			name: "prose only",
			p:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "The caller seemed fine."}},
			want: ErrInvalidResponse,
		},
		{
			name: "nil response",
			p:    &llmmock.Provider{},
			want: ErrInvalidResponse,
		},
		{
			name: "provider error",
			p:    &llmmock.Provider{CompleteErr: boom},
			want: boom,
		},
		{
			name:    "timeout",
			p:       &llmmock.Provider{Delay: time.Second, CompleteResponse: &llm.CompletionResponse{Content: validResponse}},
			timeout: 20 * time.Millisecond,
			want:    context.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var h hookRecorder
			e := New(tt.p, Config{UseLLM: true, Timeout: tt.timeout}, WithResultHook(h.hook))
			s := session("I was charged twice and want a refund", "I'll pass this to our billing team.")

			rec := e.Evaluate(context.Background(), s)

			if rec.Info.Method != MethodHeuristic {
				t.Fatalf("method = %s, want heuristic", rec.Info.Method)
			}
			if rec.Domain.Category != CategoryBillingRefund || !rec.Core.EscalationRequired {
				t.Errorf("heuristic judgment not used: %+v %+v", rec.Domain, rec.Core)
			}
			if rec.Core.Summary == "" || !rec.Core.Sentiment.Valid() || !rec.Domain.Phase.Valid() {
				t.Errorf("record not fully populated: %+v", rec)
			}
			if len(h.errs) != 1 || !errors.Is(h.errs[0], tt.want) {
				t.Errorf("fallback reason = %v, want %v", h.errs, tt.want)
			}
		})
	}
}

func TestEvaluate_SkipsModel(t *testing.T) {
	t.Parallel()
	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validResponse}}
		var h hookRecorder
		e := New(p, Config{UseLLM: false}, WithResultHook(h.hook))
		rec := e.Evaluate(context.Background(), session("hello", "hi"))
		if rec.Info.Method != MethodHeuristic || len(p.Calls()) != 0 {
			t.Errorf("method=%s calls=%d", rec.Info.Method, len(p.Calls()))
		}
		if !errors.Is(h.errs[0], ErrLLMDisabled) {
			t.Errorf("reason = %v", h.errs[0])
		}
	})
	t.Run("nil provider", func(t *testing.T) {
		t.Parallel()
		e := New(nil, Config{UseLLM: true})
		if e.UsesLLM() {
			t.Error("UsesLLM with nil provider")
		}
		if rec := e.Evaluate(context.Background(), session("hello")); rec.Info.Method != MethodHeuristic {
			t.Errorf("method = %s", rec.Info.Method)
		}
	})
	t.Run("empty transcript", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validResponse}}
		e := New(p, Config{UseLLM: true})
		rec := e.Evaluate(context.Background(), session("", "  "))
		if rec.Info.Method != MethodHeuristic || len(p.Calls()) != 0 {
			t.Errorf("method=%s calls=%d", rec.Info.Method, len(p.Calls()))
		}
		if rec.Core.Resolved || rec.Domain.Category != CategoryGeneralInquiry {
			t.Errorf("silent call = %+v %+v", rec.Core, rec.Domain)
		}
	})
}

func TestEvaluator_SetUseLLM(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validResponse}}
	e := New(p, Config{})
	if e.UsesLLM() {
		t.Fatal("enabled by default")
	}
	e.SetUseLLM(true)
	if rec := e.Evaluate(context.Background(), session("is my result bad?")); rec.Info.Method != MethodLLM {
		t.Errorf("method = %s after enabling", rec.Info.Method)
	}
	e.SetUseLLM(false)
	if rec := e.Evaluate(context.Background(), session("is my result bad?")); rec.Info.Method != MethodHeuristic {
		t.Errorf("method = %s after disabling", rec.Info.Method)
	}
}

func TestEvaluate_LLMBoundaryViolationFlagged(t *testing.T) {
	t.Parallel()
	content := strings.Replace(validResponse, `"medical_boundary_maintained": true`, `"medical_boundary_maintained": false`, 1)
	content = strings.Replace(content, `"proper_disclaimer_given": true`, `"proper_disclaimer_given": false`, 1)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
	e := New(p, Config{UseLLM: true})

	rec := e.Evaluate(context.Background(), session("my cholesterol is high", "You probably have heart disease."))

	if !slices.Contains(rec.Flags, FlagBoundaryViolated) || !slices.Contains(rec.Flags, FlagDisclaimerMissing) {
		t.Errorf("flags = %v", rec.Flags)
	}
}

func TestEvaluate_LLMClearingDiagnosisFallsBack(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validResponse}}
	var h hookRecorder
	e := New(p, Config{UseLLM: true}, WithResultHook(h.hook))

	rec := e.Evaluate(context.Background(), session(
		"My cholesterol result is high, what does it mean?",
		"You have heart disease, you should start taking statins.",
	))

	if rec.Info.Method != MethodHeuristic {
		t.Fatalf("method = %s, want heuristic", rec.Info.Method)
	}
	if rec.Compliance.BoundaryMaintained {
		t.Error("medical_boundary_maintained = true for a diagnosing agent")
	}
	if !slices.Contains(rec.Flags, FlagBoundaryViolated) {
		t.Errorf("flags = %v, want %s", rec.Flags, FlagBoundaryViolated)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], ErrInvalidResponse) {
		t.Errorf("fallback reason = %v, want ErrInvalidResponse", h.errs)
	}
}
