package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/recall/pkg/memory"
)

// Candidate is one atomic fact proposed by the extraction collaborator.
type Candidate struct {
	Content    string   `json:"content"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags"`
}

// FactExtractor summarizes buffered exchanges into candidate facts. The call
// is network-bound; implementations must honor the context deadline.
type FactExtractor interface {
	Extract(ctx context.Context, exchanges []memory.PendingExchange) ([]Candidate, error)
}

const extractionPrompt = `You extract long-term facts about the user from conversation transcripts.

Rules:
- Each fact is one self-contained statement, understandable without the transcript.
- Only extract durable facts (preferences, biography, relationships, commitments). Skip small talk and one-off context.
- Score importance 0-99: 0-30 incidental, 31-70 useful, 71-99 core to who the user is. Never assign 100.
- Tag each fact with 1-3 lowercase topic words.

Respond with a JSON array only, no prose:
[{"content": "...", "importance": 42, "tags": ["topic"]}]

An empty array is a valid answer when the transcript contains no durable facts.`

// candidateSchema validates the collaborator's JSON before any of it touches
// the store. Importance 100 is reserved for user-pinned facts, so extractor
// output is capped at 99.
const candidateSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["content", "importance", "tags"],
		"additionalProperties": false,
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"importance": {"type": "integer", "minimum": 0, "maximum": 99},
			"tags": {
				"type": "array",
				"items": {"type": "string", "minLength": 1},
				"maxItems": 5
			}
		}
	}
}`

// parseCandidates validates and decodes the raw collaborator response.
// Models sometimes wrap JSON in a markdown fence; that wrapper is stripped
// before validation.
func parseCandidates(raw string) ([]Candidate, error) {
	raw = stripCodeFence(raw)

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(candidateSchema),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("extractor returned malformed JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("extractor output failed validation: %s", strings.Join(msgs, "; "))
	}

	var candidates []Candidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode extractor output: %w", err)
	}

	for i := range candidates {
		candidates[i].Content = strings.TrimSpace(candidates[i].Content)
	}
	return candidates, nil
}

func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

// transcript renders the buffered exchanges as one block for the extraction
// prompt, oldest first.
func transcript(exchanges []memory.PendingExchange) string {
	var sb strings.Builder
	for _, ex := range exchanges {
		sb.WriteString(ex.Text)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}
