package librarian

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/recall/pkg/memory"
)

// OpenAIExtractor implements FactExtractor on the OpenAI chat API.
type OpenAIExtractor struct {
	client openai.Client
	model  string
}

// NewOpenAIExtractor creates an OpenAI-backed fact extractor.
func NewOpenAIExtractor(apiKey, model string) *OpenAIExtractor {
	return &OpenAIExtractor{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Extract sends the buffered exchanges for fact extraction and parses the
// validated candidate list.
func (e *OpenAIExtractor) Extract(ctx context.Context, exchanges []memory.PendingExchange) ([]Candidate, error) {
	response, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractionPrompt),
			openai.UserMessage(transcript(exchanges)),
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("extraction call returned no choices")
	}
	return parseCandidates(response.Choices[0].Message.Content)
}
