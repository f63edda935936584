// Package tokenizer counts tokens for retrieval budget accounting. It uses
// the cl100k_base byte-pair encoding when available and falls back to a
// bytes-per-token heuristic when the encoding cannot be loaded, so budget
// enforcement degrades to approximate rather than failing.
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"
)

const (
	encodingName = "cl100k_base"

	// heuristicBytesPerToken matches the rough 4-bytes-per-token average of
	// English prose under cl100k_base.
	heuristicBytesPerToken = 4
)

// Tokenizer counts tokens in text. A nil encoding means heuristic mode.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// New loads the cl100k_base encoding. Loading can fail when the embedded
// vocabulary is unavailable; callers get a heuristic-only tokenizer and a
// non-nil error so they can log the downgrade.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return &Tokenizer{}, err
	}
	return &Tokenizer{encoding: enc}, nil
}

// CountTokens returns the token count for text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if t == nil || t.encoding == nil {
		return heuristicCount(text)
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// CountAll returns the summed token count across texts.
func (t *Tokenizer) CountAll(texts ...string) int {
	total := 0
	for _, text := range texts {
		total += t.CountTokens(text)
	}
	return total
}

// Exact reports whether counts come from the real encoding rather than the
// byte heuristic.
func (t *Tokenizer) Exact() bool {
	return t != nil && t.encoding != nil
}

func heuristicCount(text string) int {
	n := (len(text) + heuristicBytesPerToken - 1) / heuristicBytesPerToken
	if n < 1 {
		n = 1
	}
	return n
}
