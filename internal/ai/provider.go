package ai

import "context"

// Message is one conversation turn in the uniform history handed to a
// provider. Role is "user" or "assistant"; adapters translate to whatever
// the backend expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelData carries the resolved credential and provider-side model name
// for one generation call.
type ModelData struct {
	APIKey string
	Model  string
}

// StreamChunk is one incremental unit of an assistant response. A sequence
// of chunks for one generation ends in exactly one chunk with IsFinal set,
// which carries usage accounting instead of text, unless the stream fails
// first. IDs are ULIDs, so sorting by ID reproduces publish order.
type StreamChunk struct {
	ID                   string `json:"id"`
	Text                 string `json:"text,omitempty"`
	IsFinal              bool   `json:"isFinal,omitempty"`
	PromptTokenCount     int    `json:"promptTokenCount,omitempty"`
	CompletionTokenCount int    `json:"completionTokenCount,omitempty"`
}

// StreamProvider generates an assistant response incrementally. Both
// returned channels are closed when the stream ends; an error on the error
// channel means no final chunk will arrive.
type StreamProvider interface {
	StreamMessage(ctx context.Context, messages []Message, data ModelData) (<-chan StreamChunk, <-chan error)
}

// derivedCompletionTokens computes completion tokens for providers that
// only report prompt and total counts. Inconsistent data floors at 0.
func derivedCompletionTokens(totalTokens, promptTokens int) int {
	n := totalTokens - promptTokens
	if n < 0 {
		return 0
	}
	return n
}
