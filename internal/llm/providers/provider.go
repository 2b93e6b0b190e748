// File path: internal/llm/providers/provider.go
package providers

import "context"

type Message struct {
	Role    string
	Content string
}

// Provider is the narrow surface the pipeline needs from a text-generation
// and embedding collaborator.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Embed(ctx context.Context, input []string) ([][]float32, error)
	ChatModel() string
	Name() string
}
