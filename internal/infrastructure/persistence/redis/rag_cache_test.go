package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imovia-rag-api/internal/domain/entity"
)

func TestGetOrLoadResponsePassthroughWhenDisabled(t *testing.T) {
	cache := NewRAGCache(nil, false)

	loads := 0
	resp, fromCache, err := cache.GetOrLoadResponse(context.Background(), "fp", time.Hour, func() (*entity.RAGResponse, error) {
		loads++
		return &entity.RAGResponse{Answer: "resposta"}, nil
	})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 1, loads)
	assert.Equal(t, "resposta", resp.Answer)
}

func TestGetOrLoadResponsePropagatesLoadError(t *testing.T) {
	cache := NewRAGCache(nil, false)

	_, _, err := cache.GetOrLoadResponse(context.Background(), "fp", time.Hour, func() (*entity.RAGResponse, error) {
		return nil, errors.New("generation failed")
	})
	require.Error(t, err)
}

func TestEmbeddingKeyIsContentAddressed(t *testing.T) {
	a := embeddingKey("text-embedding-3-small", "casa no centro")
	b := embeddingKey("text-embedding-3-small", "casa no centro")
	assert.Equal(t, a, b)

	c := embeddingKey("text-embedding-3-large", "casa no centro")
	assert.NotEqual(t, a, c)
}
