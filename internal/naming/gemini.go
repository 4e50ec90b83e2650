package naming

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultNamerModel   = "gemini-2.0-flash-lite"
	defaultNamerTimeout = 10 * time.Second
	maxNameLength       = 40
	maxPromptInput      = 2000
)

const namerPrompt = `Summarize what this terminal session is working on in at most five words.
Respond with only the name, no punctuation, no quotes.

Output:
%s`

// GeminiNamer generates session names using Google's Gemini API.
type GeminiNamer struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiNamer creates a namer. model may be empty to use the default.
func NewGeminiNamer(apiKey, model string) (*GeminiNamer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = defaultNamerModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiNamer{
		client:  client,
		model:   model,
		timeout: defaultNamerTimeout,
	}, nil
}

// GenerateShortName asks the model for a short session name. The call is
// bounded by the namer's timeout; failures and timeouts surface as errors
// and the caller degrades to "no event".
func (n *GeminiNamer) GenerateShortName(ctx context.Context, text string) (string, error) {
	if len(text) > maxPromptInput {
		text = text[len(text)-maxPromptInput:]
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(fmt.Sprintf(namerPrompt, text), genai.RoleUser),
	}
	resp, err := n.client.Models.GenerateContent(ctx, n.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate name: %w", err)
	}
	return sanitizeName(resp.Text()), nil
}

// sanitizeName reduces a model response to a single short line.
func sanitizeName(raw string) string {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.Trim(line, `"'`+"`")
	line = strings.TrimSpace(line)
	if len(line) > maxNameLength {
		line = strings.TrimSpace(line[:maxNameLength])
	}
	return line
}
