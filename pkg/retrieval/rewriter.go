package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// QueryRewriter turns a raw conversational query into a retrieval-oriented
// one. Optional collaborator: any failure falls back to the raw query.
type QueryRewriter interface {
	Rewrite(ctx context.Context, query string) (string, error)
}

const rewritePrompt = `Rewrite the user's message as a short search query over facts about the user.
Keep names, places, and topics. Strip greetings and filler. Respond with the query only.`

// OpenAIRewriter implements QueryRewriter on the OpenAI chat API.
type OpenAIRewriter struct {
	client openai.Client
	model  string
}

// NewOpenAIRewriter creates an OpenAI-backed query rewriter.
func NewOpenAIRewriter(apiKey, model string) *OpenAIRewriter {
	return &OpenAIRewriter{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Rewrite returns the retrieval-oriented form of query.
func (r *OpenAIRewriter) Rewrite(ctx context.Context, query string) (string, error) {
	response, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(rewritePrompt),
			openai.UserMessage(query),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("rewrite call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("rewrite call returned no choices")
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}
