// Package llm defines the model client contract the dialogue engine talks
// to, plus an adapter backed by langchaingo. The engine never sees provider
// SDKs directly: agents consume the Client interface and providers are
// swapped through configuration.
package llm

import (
	"context"
	"fmt"
)

// Request is a single model call. SystemPrompt carries the agent persona and
// stage instructions; Prompt carries the assembled conversation context.
type Request struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Chunk is one streamed fragment of a response. A terminal chunk carries Err
// and no further chunks follow it.
type Chunk struct {
	Text string
	Err  error
}

// Client generates model completions.
type Client interface {
	// Generate performs a blocking completion and returns the full text.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateStream returns a channel of response fragments. The channel is
	// closed when the response is complete or after a terminal error chunk.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// NativeMemoryCapable is implemented by clients whose backing provider keeps
// conversation state server-side. Callers check for it with a type assertion
// and, when present, send only the latest turn instead of replaying history.
type NativeMemoryCapable interface {
	// StartConversation opens a provider-side conversation seeded with the
	// system prompt and returns its identifier.
	StartConversation(ctx context.Context, systemPrompt string) (string, error)

	// SendTurn appends one user turn to an open conversation and returns the
	// model's reply.
	SendTurn(ctx context.Context, conversationID, text string) (string, error)
}

// ModelCallError wraps a provider failure with the agent role that made the
// call, so orchestration logs can attribute failures without inspecting the
// provider error text.
type ModelCallError struct {
	Role string
	Err  error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed for %s: %v", e.Role, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }
