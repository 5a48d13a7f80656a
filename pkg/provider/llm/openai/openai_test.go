package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/callwatch/pkg/provider/llm"
	"github.com/MrWong99/callwatch/pkg/types"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role  string
		check func(t *testing.T, role string)
	}{
		{types.RoleSystem, func(t *testing.T, role string) {
			p, err := convertMessage(types.Message{Role: role, Content: "x"})
			if err != nil || p.OfSystem == nil {
				t.Fatalf("expected OfSystem, err=%v", err)
			}
		}},
		{types.RoleUser, func(t *testing.T, role string) {
			p, err := convertMessage(types.Message{Role: role, Content: "x"})
			if err != nil || p.OfUser == nil {
				t.Fatalf("expected OfUser, err=%v", err)
			}
		}},
		{types.RoleAssistant, func(t *testing.T, role string) {
			p, err := convertMessage(types.Message{Role: role, Content: "x"})
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("expected OfAssistant, err=%v", err)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) { tc.check(t, tc.role) })
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(types.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	if caps := modelCapabilities("llama-3.3-70b-versatile"); !caps.SupportsJSONMode {
		t.Error("llama-3.3-70b: expected JSON mode support")
	}
	if caps := modelCapabilities("mixtral-8x7b-32768"); caps.SupportsJSONMode || caps.ContextWindow != 32_768 {
		t.Errorf("mixtral: unexpected caps %+v", caps)
	}
	if caps := modelCapabilities("my-custom-model"); caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Errorf("unknown model: expected positive defaults, got %+v", caps)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "llama-3.3-70b-versatile"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("gsk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("gsk-test", "llama-3.3-70b-versatile", WithBaseURL(GroqBaseURL)); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}

func TestBuildParams_NoMessages(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "llama-3.3-70b-versatile"}
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestComplete_AgainstFakeServer(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "llama-3.3-70b-versatile",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"user_sentiment\":\"neutral\"}"}}],
			"usage": {"prompt_tokens": 245, "completion_tokens": 89, "total_tokens": 334}
		}`)
	}))
	defer srv.Close()

	p, err := New("gsk-test", "llama-3.3-70b-versatile", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a call quality analyst.",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "Transcript: ..."}},
		Temperature:  0.1,
		MaxTokens:    1000,
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"user_sentiment":"neutral"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 245 || resp.Usage.CompletionTokens != 89 {
		t.Errorf("Usage = %+v, want 245/89", resp.Usage)
	}
	if gotBody["model"] != "llama-3.3-70b-versatile" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if _, ok := gotBody["response_format"]; !ok {
		t.Error("expected response_format in request body when JSONMode is set")
	}
}
