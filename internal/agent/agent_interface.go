package agent

import "context"

// Generator produces a reply for one piece of inbound text. Implementations
// may block, fail or ignore ctx; Client guards every call with its own timeout.
type Generator interface {
	GenerateContent(ctx context.Context, text string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, text string) (string, error)

// GenerateContent calls f.
func (f GeneratorFunc) GenerateContent(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Ensure EinoGenerator implements Generator.
var _ Generator = (*EinoGenerator)(nil)
