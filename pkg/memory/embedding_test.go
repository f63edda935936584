package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewOpenAIProvider(t *testing.T) {
	t.Run("dimension follows model", func(t *testing.T) {
		small := NewOpenAIProvider("sk-test", "text-embedding-3-small", 0)
		assert.Equal(t, 1536, small.Dimension())

		large := NewOpenAIProvider("sk-test", "text-embedding-3-large", 0)
		assert.Equal(t, 3072, large.Dimension())
	})

	t.Run("configured timeout reaches the client", func(t *testing.T) {
		p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 5*time.Second)
		assert.Equal(t, 5*time.Second, p.httpClient.Timeout)
	})

	t.Run("zero timeout falls back", func(t *testing.T) {
		p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 0)
		assert.Equal(t, 30*time.Second, p.httpClient.Timeout)
	})
}
