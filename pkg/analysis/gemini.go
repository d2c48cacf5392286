package analysis

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

const geminiModel = "gemini-2.0-flash"

// geminiBackend calls the Gemini API through the official genai client. The
// client is created lazily on first use so that building an Analyzer never
// performs network work.
type geminiBackend struct {
	apiKey string
	model  string

	once    sync.Once
	client  *genai.Client
	initErr error
}

func newGeminiBackend(apiKey string) *geminiBackend {
	return &geminiBackend{apiKey: apiKey, model: geminiModel}
}

func (g *geminiBackend) Name() string { return ProviderGemini }

func (g *geminiBackend) Complete(ctx context.Context, system, user string) (string, error) {
	g.once.Do(func() {
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{APIKey: g.apiKey})
	})
	if g.initErr != nil {
		return "", fmt.Errorf("create genai client: %w", g.initErr)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(user, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}
