// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"time"

	"imovia-rag-api/internal/domain/entity"
)

// DocumentProcessor 文档处理接口（清洗 + 分块）
type DocumentProcessor interface {
	// ProcessDocument 清洗文档并切分为带确定性 ID 的分块
	// chunkSize ≤ 0 或 chunkOverlap < 0 时使用处理器默认值
	ProcessDocument(doc *entity.Document, chunkSize, chunkOverlap int) ([]*entity.DocumentChunk, error)

	// ChunkText 按段落切分文本，带重叠
	ChunkText(text string, chunkSize, chunkOverlap int) ([]string, error)
}

// EmbeddingService 向量化接口
type EmbeddingService interface {
	// Embed 向量化单段文本
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch 批量向量化，保持输入顺序
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension 返回向量维度
	Dimension() int
}

// VectorStore 向量存储接口
type VectorStore interface {
	// UpsertChunks 写入文档分块向量（同文档先删后插，保证重复摄入幂等）
	UpsertChunks(ctx context.Context, documentID string, chunks []*entity.DocumentChunk) error

	// SearchChunks 向量近邻检索
	SearchChunks(ctx context.Context, queryVector []float32, topK int, minSimilarity float64, filters *entity.SearchFilters) ([]entity.SearchResult, error)

	// DeleteByDocument 删除文档的全部分块
	DeleteByDocument(ctx context.Context, documentID string) error

	// HealthCheck 健康检查
	HealthCheck(ctx context.Context) error
}

// LiteralSearcher 字面检索接口（全文检索）
type LiteralSearcher interface {
	// Search 全文检索
	Search(ctx context.Context, query string, limit int, filters *entity.SearchFilters) ([]entity.SearchResult, error)

	// AnalyzeQuery 查询分类，供自适应融合使用
	AnalyzeQuery(query string) entity.QueryAnalysis

	// AssessQuality 查询质量诊断
	AssessQuality(ctx context.Context, query string, resultCount int) entity.QueryQuality

	// Suggestions 检索建议：语料相似词与领域同义词
	Suggestions(ctx context.Context, query string) []string
}

// GenerationService 答案生成接口
type GenerationService interface {
	// Generate 基于检索上下文生成答案，systemPrompt 为空时使用默认提示词
	Generate(ctx context.Context, query string, sources []entity.SearchResult, systemPrompt string, temperature float64) (string, error)
}

// CacheService 响应/向量缓存接口
type CacheService interface {
	// GetOrLoadResponse 查询缓存的问答响应，未命中时通过 load 计算并回填
	// 并发的相同指纹请求被合并，只触发一次 load
	// 返回值 fromCache 表示响应是否来自缓存（或被合并到其他请求）
	GetOrLoadResponse(ctx context.Context, fingerprint string, ttl time.Duration, load func() (*entity.RAGResponse, error)) (resp *entity.RAGResponse, fromCache bool, err error)

	// InvalidateResponses 清空全部响应缓存
	InvalidateResponses(ctx context.Context) error
}

// DocumentFilter 文档过滤条件
type DocumentFilter struct {
	DocumentType string
	Status       entity.DocumentStatus
}

// DocumentRepository 文档仓储接口
type DocumentRepository interface {
	// Create 创建文档
	Create(ctx context.Context, doc *entity.Document) error

	// GetByID 根据 ID 获取文档
	GetByID(ctx context.Context, id string) (*entity.Document, error)

	// Update 更新文档
	Update(ctx context.Context, doc *entity.Document) error

	// Delete 删除文档及其分块
	Delete(ctx context.Context, id string) error

	// List 获取文档列表
	List(ctx context.Context, filter *DocumentFilter, pagination Pagination) (*PagedResult[*entity.Document], error)

	// SaveChunks 保存文档分块（替换旧分块）
	SaveChunks(ctx context.Context, documentID string, chunks []*entity.DocumentChunk) error

	// Stats 统计文档与分块数量
	Stats(ctx context.Context) (*entity.KnowledgeBaseStats, error)
}
