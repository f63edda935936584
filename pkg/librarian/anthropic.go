package librarian

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/recall/pkg/memory"
)

// AnthropicExtractor implements FactExtractor on the Anthropic messages API.
type AnthropicExtractor struct {
	client anthropic.Client
	model  string
}

// NewAnthropicExtractor creates an Anthropic-backed fact extractor.
func NewAnthropicExtractor(apiKey, model string) *AnthropicExtractor {
	return &AnthropicExtractor{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Extract sends the buffered exchanges for fact extraction and parses the
// validated candidate list.
func (e *AnthropicExtractor) Extract(ctx context.Context, exchanges []memory.PendingExchange) ([]Candidate, error) {
	response, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: extractionPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(transcript(exchanges))),
		},
		Temperature: anthropic.Float(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	content := ""
	for _, block := range response.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}
	return parseCandidates(content)
}
