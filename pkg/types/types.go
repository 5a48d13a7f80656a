// Package types defines the shared types used across callwatch packages.
//
// Cross-cutting data structures live here to avoid circular imports between
// the metrics engine, the evaluator, and the LLM provider layer.
package types

// Role values used in a conversation transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation. It is used both for the
// transcript recorded during a call and for requests sent to an LLM.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsJSONMode indicates the backend can be asked for a JSON object response.
	SupportsJSONMode bool
}
