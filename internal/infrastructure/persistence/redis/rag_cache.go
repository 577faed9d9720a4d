// Package redis 提供 Redis 缓存实现
package redis

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/pkg/logger"
	"imovia-rag-api/pkg/metrics"
)

const (
	responseKeyPrefix  = "rag:response:"
	embeddingKeyPrefix = "rag:embedding:"
)

// RAGCache 问答响应与向量缓存
// 读路径的缓存故障一律降级为未命中，不向上传播
type RAGCache struct {
	cache   *Cache
	enabled bool
}

// NewRAGCache 创建 RAG 缓存
func NewRAGCache(cache *Cache, enabled bool) *RAGCache {
	return &RAGCache{
		cache:   cache,
		enabled: enabled,
	}
}

// Enabled 返回缓存是否启用
func (c *RAGCache) Enabled() bool {
	return c.enabled && c.cache != nil
}

// GetOrLoadResponse 查询缓存的问答响应，未命中时通过 load 计算并回填
// 相同指纹的并发请求经 singleflight 合并，load 只执行一次
// 缓存读取失败降级为直接加载，不向上传播
func (c *RAGCache) GetOrLoadResponse(ctx context.Context, fingerprint string, ttl time.Duration, load func() (*entity.RAGResponse, error)) (*entity.RAGResponse, bool, error) {
	if !c.Enabled() {
		resp, err := load()
		return resp, false, err
	}

	key := responseKeyPrefix + fingerprint
	loaded := false
	data, err := c.cache.GetOrLoadSafe(ctx, key, ttl, func() (interface{}, error) {
		loaded = true
		return load()
	})
	if err != nil {
		if loaded {
			return nil, false, err
		}
		logger.Warn(ctx, "response cache read failed, bypassing cache", "key", key, "error", err.Error())
		resp, err := load()
		return resp, false, err
	}

	var resp entity.RAGResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.Warn(ctx, "response cache entry corrupted, reloading", "key", key)
		metrics.CacheMisses.WithLabelValues("response").Inc()
		fresh, err := load()
		return fresh, false, err
	}

	if loaded {
		metrics.CacheMisses.WithLabelValues("response").Inc()
		return &resp, false, nil
	}
	metrics.CacheHits.WithLabelValues("response").Inc()
	return &resp, true, nil
}

// InvalidateResponses 清空全部响应缓存（文档变更后调用）
func (c *RAGCache) InvalidateResponses(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.cache.InvalidatePattern(ctx, responseKeyPrefix+"*")
}

// GetEmbedding 查询缓存的文本向量
func (c *RAGCache) GetEmbedding(ctx context.Context, model, text string) ([]float32, bool) {
	if !c.Enabled() {
		return nil, false
	}

	data, err := c.cache.Get(ctx, embeddingKey(model, text))
	if err != nil {
		if !IsNil(err) {
			logger.Warn(ctx, "embedding cache read failed, treating as miss", "error", err.Error())
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("embedding").Inc()
	return vec, true
}

// SetEmbedding 写入文本向量缓存
func (c *RAGCache) SetEmbedding(ctx context.Context, model, text string, vec []float32, ttl time.Duration) {
	if !c.Enabled() || len(vec) == 0 {
		return
	}
	if err := c.cache.Set(ctx, embeddingKey(model, text), vec, ttl); err != nil {
		logger.Warn(ctx, "embedding cache write failed", "error", err.Error())
	}
}

// embeddingKey 向量缓存键，按模型与文本内容寻址
func embeddingKey(model, text string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s", model, text)))
	return embeddingKeyPrefix + hex.EncodeToString(sum[:])
}
