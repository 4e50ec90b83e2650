// Package naming provides the short-name generation contract consumed by
// the naming detector, plus the Gemini-backed implementation.
package naming

import "context"

// Generator summarizes a stretch of terminal output into a short session
// name. Implementations enforce their own timeout and return an error
// rather than blocking; an empty name with nil error means "nothing to say".
type Generator interface {
	GenerateShortName(ctx context.Context, text string) (string, error)
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, text string) (string, error)

func (f Func) GenerateShortName(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}
