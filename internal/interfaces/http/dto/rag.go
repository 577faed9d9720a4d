package dto

import (
	"time"

	"imovia-rag-api/internal/application/rag"
	"imovia-rag-api/internal/domain/entity"
)

// IngestDocumentRequest 文档摄入请求
type IngestDocumentRequest struct {
	Title        string         `json:"title" binding:"required"`
	Content      string         `json:"content" binding:"required"`
	DocumentType string         `json:"document_type"`
	SourceURL    string         `json:"source_url"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
	ChunkSize    int            `json:"chunk_size"`
	ChunkOverlap *int           `json:"chunk_overlap"`
}

// ToInput 转换为管线输入，chunk_overlap 缺省时使用配置默认值
func (r *IngestDocumentRequest) ToInput() *rag.IngestInput {
	chunkOverlap := -1
	if r.ChunkOverlap != nil {
		chunkOverlap = *r.ChunkOverlap
	}
	return &rag.IngestInput{
		Title:        r.Title,
		Content:      r.Content,
		DocumentType: r.DocumentType,
		SourceURL:    r.SourceURL,
		Tags:         r.Tags,
		Metadata:     r.Metadata,
		ChunkSize:    r.ChunkSize,
		ChunkOverlap: chunkOverlap,
	}
}

// SearchFiltersRequest 检索过滤条件
type SearchFiltersRequest struct {
	DocumentType string         `json:"document_type"`
	DocumentID   string         `json:"document_id"`
	City         string         `json:"city"`
	PriceMin     *float64       `json:"price_min"`
	PriceMax     *float64       `json:"price_max"`
	CreatedAfter *time.Time     `json:"created_after"`
	Metadata     map[string]any `json:"metadata"`
}

// ToEntity 转换为领域过滤条件
func (r *SearchFiltersRequest) ToEntity() *entity.SearchFilters {
	if r == nil {
		return nil
	}
	return &entity.SearchFilters{
		DocumentType: r.DocumentType,
		DocumentID:   r.DocumentID,
		City:         r.City,
		PriceMin:     r.PriceMin,
		PriceMax:     r.PriceMax,
		CreatedAfter: r.CreatedAfter,
		Metadata:     r.Metadata,
	}
}

// QueryRequest 问答请求
type QueryRequest struct {
	Query         string                `json:"query" binding:"required"`
	TopK          int                   `json:"top_k"`
	MinSimilarity *float64              `json:"min_similarity"`
	Filters       *SearchFiltersRequest `json:"filters"`
	FusionMethod  string                `json:"fusion_method"`
	SystemPrompt  string                `json:"system_prompt"`
	Temperature   *float64              `json:"temperature"`
	UseCache      *bool                 `json:"use_cache"`
}

// ToInput 转换为管线输入，use_cache 缺省为 true
func (r *QueryRequest) ToInput() *rag.QueryInput {
	useCache := true
	if r.UseCache != nil {
		useCache = *r.UseCache
	}
	return &rag.QueryInput{
		Query:         r.Query,
		TopK:          r.TopK,
		MinSimilarity: r.MinSimilarity,
		Filters:       r.Filters.ToEntity(),
		FusionMethod:  r.FusionMethod,
		SystemPrompt:  r.SystemPrompt,
		Temperature:   r.Temperature,
		UseCache:      useCache,
	}
}

// SearchRequest 检索请求（不触发生成）
type SearchRequest struct {
	Query         string                `json:"query" binding:"required"`
	TopK          int                   `json:"top_k"`
	MinSimilarity *float64              `json:"min_similarity"`
	Filters       *SearchFiltersRequest `json:"filters"`
	FusionMethod  string                `json:"fusion_method"`
}

// ToInput 转换为管线输入
func (r *SearchRequest) ToInput() *rag.SearchInput {
	return &rag.SearchInput{
		Query:         r.Query,
		TopK:          r.TopK,
		MinSimilarity: r.MinSimilarity,
		Filters:       r.Filters.ToEntity(),
		FusionMethod:  r.FusionMethod,
	}
}

// SearchResultResponse 单条检索结果
type SearchResultResponse struct {
	ChunkID       string         `json:"chunk_id"`
	DocumentID    string         `json:"document_id"`
	Content       string         `json:"content"`
	Score         float64        `json:"score"`
	ChunkIndex    int            `json:"chunk_index"`
	Source        string         `json:"source"`
	Highlight     string         `json:"highlight,omitempty"`
	DocumentTitle string         `json:"document_title,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// QueryResponse 问答响应
type QueryResponse struct {
	Query        string                 `json:"query"`
	Answer       string                 `json:"answer"`
	Sources      []SearchResultResponse `json:"sources"`
	FusionMethod string                 `json:"fusion_method,omitempty"`
	Cached       bool                   `json:"cached"`
	ElapsedMs    int64                  `json:"elapsed_ms"`
}

// SearchResponse 检索响应
type SearchResponse struct {
	Results      []SearchResultResponse `json:"results"`
	TotalFound   int                    `json:"total_found"`
	FusionMethod string                 `json:"fusion_method"`
	Suggestions  []string               `json:"suggestions,omitempty"`
	QueryQuality *entity.QueryQuality   `json:"query_quality,omitempty"`
}

// IngestResponse 摄入响应
type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// DocumentResponse 文档响应
type DocumentResponse struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	DocumentType string         `json:"document_type"`
	SourceURL    string         `json:"source_url,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ChunkCount   int            `json:"chunk_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StatsResponse 知识库统计响应
type StatsResponse struct {
	TotalDocuments     int64            `json:"total_documents"`
	TotalChunks        int64            `json:"total_chunks"`
	DocumentsByStatus  map[string]int64 `json:"documents_by_status"`
	EmbeddingDimension int              `json:"embedding_dimension"`
	CacheEnabled       bool             `json:"cache_enabled"`
}

// ToSearchResultResponse 转换检索结果
func ToSearchResultResponse(r entity.SearchResult) SearchResultResponse {
	return SearchResultResponse{
		ChunkID:       r.ChunkID,
		DocumentID:    r.DocumentID,
		Content:       r.Content,
		Score:         r.Score,
		ChunkIndex:    r.ChunkIndex,
		Source:        string(r.Source),
		Highlight:     r.Highlight,
		DocumentTitle: r.DocumentTitle,
		Metadata:      r.Metadata,
	}
}

// ToSearchResultResponses 批量转换检索结果
func ToSearchResultResponses(results []entity.SearchResult) []SearchResultResponse {
	out := make([]SearchResultResponse, len(results))
	for i, r := range results {
		out[i] = ToSearchResultResponse(r)
	}
	return out
}

// ToQueryResponse 转换问答响应
func ToQueryResponse(resp *entity.RAGResponse) QueryResponse {
	return QueryResponse{
		Query:        resp.Query,
		Answer:       resp.Answer,
		Sources:      ToSearchResultResponses(resp.Sources),
		FusionMethod: resp.FusionMethod,
		Cached:       resp.Cached,
		ElapsedMs:    resp.ElapsedMs,
	}
}

// ToSearchResponse 转换检索响应
func ToSearchResponse(out *rag.SearchOutput) SearchResponse {
	return SearchResponse{
		Results:      ToSearchResultResponses(out.Results),
		TotalFound:   out.TotalFound,
		FusionMethod: out.FusionMethod,
		Suggestions:  out.Suggestions,
		QueryQuality: out.QueryQuality,
	}
}

// ToIngestResponse 转换摄入响应
func ToIngestResponse(result *entity.IngestResult) IngestResponse {
	return IngestResponse{
		DocumentID: result.DocumentID,
		Status:     string(result.Status),
		ChunkCount: result.ChunkCount,
		ElapsedMs:  result.ElapsedMs,
	}
}

// ToDocumentResponse 转换文档响应
func ToDocumentResponse(doc *entity.Document) DocumentResponse {
	return DocumentResponse{
		ID:           doc.ID,
		Title:        doc.Title,
		DocumentType: doc.DocumentType,
		SourceURL:    doc.SourceURL,
		Tags:         doc.Tags,
		Metadata:     doc.Metadata,
		Status:       string(doc.Status),
		ErrorMessage: doc.ErrorMessage,
		ChunkCount:   doc.ChunkCount,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// ToDocumentListResponse 批量转换文档响应
func ToDocumentListResponse(docs []*entity.Document) []DocumentResponse {
	out := make([]DocumentResponse, len(docs))
	for i, d := range docs {
		out[i] = ToDocumentResponse(d)
	}
	return out
}

// ToStatsResponse 转换统计响应
func ToStatsResponse(stats *entity.KnowledgeBaseStats) StatsResponse {
	return StatsResponse{
		TotalDocuments:     stats.TotalDocuments,
		TotalChunks:        stats.TotalChunks,
		DocumentsByStatus:  stats.DocumentsByStatus,
		EmbeddingDimension: stats.EmbeddingDimension,
		CacheEnabled:       stats.CacheEnabled,
	}
}
