package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)
	require.True(t, tok.Exact())

	assert.Zero(t, tok.CountTokens(""))
	assert.Greater(t, tok.CountTokens("The user lives in Oslo and works remotely."), 5)

	short := tok.CountTokens("hello")
	long := tok.CountTokens(strings.Repeat("hello world ", 50))
	assert.Greater(t, long, short)
}

func TestCountAll(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)

	a := tok.CountTokens("first fact")
	b := tok.CountTokens("second fact")
	assert.Equal(t, a+b, tok.CountAll("first fact", "second fact"))
}

func TestHeuristicFallback(t *testing.T) {
	tok := &Tokenizer{}
	assert.False(t, tok.Exact())

	assert.Zero(t, tok.CountTokens(""))
	assert.Equal(t, 1, tok.CountTokens("hi"))
	assert.Equal(t, 3, tok.CountTokens("twelve chars"))
}
