// Package entity 定义领域实体
package entity

import (
	"time"
)

// MatchSource 结果命中来源
type MatchSource string

const (
	MatchSourceSemantic MatchSource = "semantic"
	MatchSourceLiteral  MatchSource = "literal"
	MatchSourceHybrid   MatchSource = "hybrid"
)

// SearchResult 单条检索结果
type SearchResult struct {
	ChunkID       string         `json:"chunk_id"`
	DocumentID    string         `json:"document_id"`
	Content       string         `json:"content"`
	Score         float64        `json:"score"`
	ChunkIndex    int            `json:"chunk_index"`
	Source        MatchSource    `json:"source"`
	Highlight     string         `json:"highlight,omitempty"`
	DocumentTitle string         `json:"document_title,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SearchFilters 检索过滤条件
type SearchFilters struct {
	DocumentType string         `json:"document_type,omitempty"`
	DocumentID   string         `json:"document_id,omitempty"`
	City         string         `json:"city,omitempty"`
	PriceMin     *float64       `json:"price_min,omitempty"`
	PriceMax     *float64       `json:"price_max,omitempty"`
	CreatedAfter *time.Time     `json:"created_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IsZero 判断过滤条件是否为空
func (f *SearchFilters) IsZero() bool {
	if f == nil {
		return true
	}
	return f.DocumentType == "" && f.DocumentID == "" && f.City == "" &&
		f.PriceMin == nil && f.PriceMax == nil && f.CreatedAfter == nil &&
		len(f.Metadata) == 0
}

// QueryType 查询类型分类
type QueryType string

const (
	QueryTypeGeneric       QueryType = "generic"
	QueryTypePrice         QueryType = "price_focused"
	QueryTypeLocation      QueryType = "location_focused"
	QueryTypeSpecification QueryType = "specification_focused"
	QueryTypeConceptual    QueryType = "conceptual"
)

// QueryAnalysis 查询分析结果，驱动自适应融合策略
type QueryAnalysis struct {
	Type             QueryType `json:"type"`
	HasSpecificTerms bool      `json:"has_specific_terms"`
	IsConceptual     bool      `json:"is_conceptual"`
}

// QueryQuality 查询质量诊断
type QueryQuality struct {
	Score           float64  `json:"score"`
	Level           string   `json:"level"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// RAGResponse 问答响应
type RAGResponse struct {
	Query        string         `json:"query"`
	Answer       string         `json:"answer"`
	Sources      []SearchResult `json:"sources"`
	FusionMethod string         `json:"fusion_method,omitempty"`
	Cached       bool           `json:"cached"`
	ElapsedMs    int64          `json:"elapsed_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}

// IngestResult 文档摄入结果
type IngestResult struct {
	DocumentID string         `json:"document_id"`
	Status     DocumentStatus `json:"status"`
	ChunkCount int            `json:"chunk_count"`
	ElapsedMs  int64          `json:"elapsed_ms"`
}

// KnowledgeBaseStats 知识库统计信息
type KnowledgeBaseStats struct {
	TotalDocuments     int64            `json:"total_documents"`
	TotalChunks        int64            `json:"total_chunks"`
	DocumentsByStatus  map[string]int64 `json:"documents_by_status"`
	EmbeddingDimension int              `json:"embedding_dimension"`
	CacheEnabled       bool             `json:"cache_enabled"`
}
