package embedding

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/embedding"

	"imovia-rag-api/internal/config"
	"imovia-rag-api/internal/infrastructure/persistence/redis"
	apperrors "imovia-rag-api/pkg/errors"
	"imovia-rag-api/pkg/logger"
	"imovia-rag-api/pkg/metrics"
)

// CachedEmbedder 带缓存的向量化服务
// 采用 cache-aside：先查 Redis，未命中再调用底层 Embedder 并回写
type CachedEmbedder struct {
	inner         embedding.Embedder
	cache         *redis.RAGCache
	model         string
	dimension     int
	batchSize     int
	batchInterval time.Duration
	maxTextLength int
	cacheTTL      time.Duration
}

// NewCachedEmbedder 创建带缓存的向量化服务
func NewCachedEmbedder(inner embedding.Embedder, cache *redis.RAGCache, cfg *config.EmbeddingConfig, cacheTTL time.Duration) *CachedEmbedder {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchInterval := cfg.BatchInterval
	if batchInterval < 0 {
		batchInterval = 0
	}
	maxTextLength := cfg.MaxTextLength
	if maxTextLength <= 0 {
		maxTextLength = 30000
	}
	return &CachedEmbedder{
		inner:         inner,
		cache:         cache,
		model:         cfg.Model,
		dimension:     cfg.Dimension,
		batchSize:     batchSize,
		batchInterval: batchInterval,
		maxTextLength: maxTextLength,
		cacheTTL:      cacheTTL,
	}
}

// Dimension 返回向量维度
func (e *CachedEmbedder) Dimension() int {
	return e.dimension
}

// Embed 向量化单段文本
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 批量向量化，保持输入顺序
// 缓存命中的文本不再调用底层服务，未命中部分按批上限分组请求
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, len(texts))
	var missIndexes []int
	var missTexts []string

	for i, text := range texts {
		text = e.truncate(ctx, text)
		texts[i] = text
		if vec, ok := e.cache.GetEmbedding(ctx, e.model, text); ok {
			vectors[i] = vec
			continue
		}
		missIndexes = append(missIndexes, i)
		missTexts = append(missTexts, text)
	}

	for start := 0; start < len(missTexts); start += e.batchSize {
		end := min(start+e.batchSize, len(missTexts))
		batch := missTexts[start:end]

		if start > 0 && e.batchInterval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.batchInterval):
			}
		}

		raw, err := e.inner.EmbedStrings(ctx, batch)
		if err != nil {
			metrics.EmbeddingCallTotal.WithLabelValues(e.model, "error").Inc()
			return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingFailed, "embedding generation failed")
		}
		if len(raw) != len(batch) {
			metrics.EmbeddingCallTotal.WithLabelValues(e.model, "error").Inc()
			return nil, apperrors.New(apperrors.CodeEmbeddingFailed, "embedding count mismatch")
		}
		metrics.EmbeddingCallTotal.WithLabelValues(e.model, "success").Inc()
		metrics.EmbeddingBatchSize.WithLabelValues(e.model).Observe(float64(len(batch)))

		for j, vec64 := range raw {
			vec := toFloat32(vec64)
			idx := missIndexes[start+j]
			vectors[idx] = vec
			e.cache.SetEmbedding(ctx, e.model, texts[idx], vec, e.cacheTTL)
		}
	}

	return vectors, nil
}

// truncate 超长文本截断到上限，避免超出底层服务限制
func (e *CachedEmbedder) truncate(ctx context.Context, text string) string {
	if len(text) <= e.maxTextLength {
		return text
	}
	logger.Warn(ctx, "text truncated for embedding",
		"original_length", len(text),
		"max_length", e.maxTextLength,
	)
	return text[:e.maxTextLength]
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
