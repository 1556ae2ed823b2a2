// Package llm provides the model clients the service depends on: an
// embedding interface with a deterministic offline implementation, an
// LRU-cached wrapper, and an OpenAI-compatible chat client.
package llm

import "context"

// Message is a single chat turn sent to the model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatOptions tunes a single chat call.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider to constrain output to a JSON object.
	JSONMode bool
}

// ChatClient produces completions for a message sequence.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
}

// Embedder converts text into dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	Close() error
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
