package rag

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"imovia-rag-api/internal/application/fusion"
	"imovia-rag-api/internal/config"
	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/internal/domain/repository"
	apperrors "imovia-rag-api/pkg/errors"
	"imovia-rag-api/pkg/logger"
	"imovia-rag-api/pkg/metrics"
)

// 知识库中无相关内容时的固定回答，不触发生成调用
const noInformationAnswer = "Não encontrei informações relevantes nos documentos disponíveis para responder à sua pergunta."

const (
	maxTopK            = 50
	defaultTemperature = 0.7
)

// IngestInput 文档摄入参数
// ChunkSize ≤ 0 或 ChunkOverlap < 0 时使用配置默认值
type IngestInput struct {
	Title        string
	Content      string
	DocumentType string
	SourceURL    string
	Tags         []string
	Metadata     map[string]any
	ChunkSize    int
	ChunkOverlap int
}

// QueryInput 问答请求参数
type QueryInput struct {
	Query         string
	TopK          int
	MinSimilarity *float64
	Filters       *entity.SearchFilters
	FusionMethod  string
	SystemPrompt  string
	Temperature   *float64
	UseCache      bool
}

// SearchInput 检索请求参数（不触发生成）
type SearchInput struct {
	Query         string
	TopK          int
	MinSimilarity *float64
	Filters       *entity.SearchFilters
	FusionMethod  string
}

// SearchOutput 检索结果，附带查询质量诊断与建议
type SearchOutput struct {
	Results      []entity.SearchResult `json:"results"`
	TotalFound   int                   `json:"total_found"`
	FusionMethod string                `json:"fusion_method"`
	Suggestions  []string              `json:"suggestions,omitempty"`
	QueryQuality *entity.QueryQuality  `json:"query_quality,omitempty"`
}

// Pipeline RAG 管线编排器
// 摄入、混合检索、融合、生成与缓存的端到端协调
type Pipeline struct {
	processor repository.DocumentProcessor
	embedder  repository.EmbeddingService
	vectors   repository.VectorStore
	literal   repository.LiteralSearcher
	generator repository.GenerationService
	cache     repository.CacheService
	documents repository.DocumentRepository
	tx        repository.Transactor
	fusion    *fusion.Engine
	cfg       *config.RAGConfig
}

// NewPipeline 创建 RAG 管线
func NewPipeline(
	processor repository.DocumentProcessor,
	embedder repository.EmbeddingService,
	vectors repository.VectorStore,
	literal repository.LiteralSearcher,
	generator repository.GenerationService,
	cache repository.CacheService,
	documents repository.DocumentRepository,
	tx repository.Transactor,
	cfg *config.RAGConfig,
) *Pipeline {
	return &Pipeline{
		processor: processor,
		embedder:  embedder,
		vectors:   vectors,
		literal:   literal,
		generator: generator,
		cache:     cache,
		documents: documents,
		tx:        tx,
		fusion:    fusion.NewEngine(),
		cfg:       cfg,
	}
}

// IngestDocument 摄入文档：清洗、分块、向量化、双写 Milvus 与 Postgres
// 文档 ID 由内容确定性派生，重复摄入等价于重建该文档
func (p *Pipeline) IngestDocument(ctx context.Context, in *IngestInput) (*entity.IngestResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "title is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "content is required")
	}
	chunkSize := in.ChunkSize
	if chunkSize <= 0 {
		chunkSize = p.cfg.Chunking.ChunkSize
	}
	chunkOverlap := in.ChunkOverlap
	if chunkOverlap < 0 {
		chunkOverlap = p.cfg.Chunking.ChunkOverlap
	}
	if chunkOverlap >= chunkSize {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "chunk_overlap must be smaller than chunk_size")
	}

	start := time.Now()
	doc := entity.NewDocument(in.Title, in.Content, in.DocumentType, in.Metadata)
	doc.SourceURL = in.SourceURL
	doc.Tags = in.Tags

	existing, err := p.documents.GetByID(ctx, doc.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to check existing document")
	}
	if existing == nil {
		if err := p.documents.Create(ctx, doc); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to create document")
		}
	}

	doc.MarkProcessing()
	if err := p.documents.Update(ctx, doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to update document status")
	}

	chunks, err := p.buildChunks(ctx, doc, chunkSize, chunkOverlap)
	if err != nil {
		p.markIngestFailed(ctx, doc, err)
		metrics.DocumentIngestTotal.WithLabelValues(doc.DocumentType, "error").Inc()
		return nil, err
	}

	if err := p.vectors.UpsertChunks(ctx, doc.ID, chunks); err != nil {
		p.markIngestFailed(ctx, doc, err)
		metrics.DocumentIngestTotal.WithLabelValues(doc.DocumentType, "error").Inc()
		return nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "failed to store chunk vectors")
	}

	err = p.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := p.documents.SaveChunks(ctx, doc.ID, chunks); err != nil {
			return err
		}
		doc.MarkCompleted(len(chunks))
		return p.documents.Update(ctx, doc)
	})
	if err != nil {
		p.markIngestFailed(ctx, doc, err)
		metrics.DocumentIngestTotal.WithLabelValues(doc.DocumentType, "error").Inc()
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to persist chunks")
	}

	elapsed := time.Since(start)
	metrics.DocumentIngestTotal.WithLabelValues(doc.DocumentType, "success").Inc()
	metrics.DocumentIngestDuration.WithLabelValues(doc.DocumentType).Observe(elapsed.Seconds())
	metrics.DocumentChunkCount.WithLabelValues(doc.DocumentType).Observe(float64(len(chunks)))

	logger.Info(ctx, "document ingested",
		"document_id", doc.ID,
		"title", in.Title,
		"chunks", len(chunks),
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return &entity.IngestResult{
		DocumentID: doc.ID,
		Status:     doc.Status,
		ChunkCount: len(chunks),
		ElapsedMs:  elapsed.Milliseconds(),
	}, nil
}

// buildChunks 分块并批量向量化
func (p *Pipeline) buildChunks(ctx context.Context, doc *entity.Document, chunkSize, chunkOverlap int) ([]*entity.DocumentChunk, error) {
	chunks, err := p.processor.ProcessDocument(doc, chunkSize, chunkOverlap)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeIngestionFailed, "document processing failed")
	}
	if len(chunks) == 0 {
		return nil, apperrors.New(apperrors.CodeIngestionFailed, "document processing produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, chunk := range chunks {
		chunk.Embedding = embeddings[i]
	}
	return chunks, nil
}

func (p *Pipeline) markIngestFailed(ctx context.Context, doc *entity.Document, cause error) {
	doc.MarkFailed(cause.Error())
	if err := p.documents.Update(ctx, doc); err != nil {
		logger.Error(ctx, "failed to mark document as failed", err, "document_id", doc.ID)
	}
}

// Query 问答：缓存优先，混合检索融合后生成答案
func (p *Pipeline) Query(ctx context.Context, in *QueryInput) (*entity.RAGResponse, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "query cannot be empty")
	}

	topK := in.TopK
	if topK == 0 {
		topK = p.cfg.Retrieval.QueryTopK
	}
	if topK <= 0 || topK > maxTopK {
		return nil, apperrors.New(apperrors.CodeValidationFailed, fmt.Sprintf("top_k must be between 1 and %d", maxTopK))
	}

	minSimilarity := p.cfg.Retrieval.QueryMinSimilarity
	if in.MinSimilarity != nil {
		minSimilarity = *in.MinSimilarity
	}
	if minSimilarity < 0 || minSimilarity > 1 {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "min_similarity must be between 0 and 1")
	}

	load := func() (*entity.RAGResponse, error) {
		return p.answerQuery(ctx, query, topK, minSimilarity, in)
	}

	if !in.UseCache {
		return load()
	}

	fingerprint := queryFingerprint(query, topK, minSimilarity, in.SystemPrompt, in.Filters)
	resp, fromCache, err := p.cache.GetOrLoadResponse(ctx, fingerprint, p.cfg.Caching.ResponseTTL, load)
	if err != nil {
		return nil, err
	}
	if fromCache {
		resp.Cached = true
		logger.Info(ctx, "rag query served from cache", "query", truncateForLog(query))
	}
	return resp, nil
}

// answerQuery 缓存未命中路径：混合检索、融合与生成
func (p *Pipeline) answerQuery(ctx context.Context, query string, topK int, minSimilarity float64, in *QueryInput) (*entity.RAGResponse, error) {
	start := time.Now()

	fused, analysis, err := p.hybridRetrieve(ctx, query, topK, minSimilarity, in.Filters, in.FusionMethod)
	if err != nil {
		return nil, err
	}

	results := fused.Results
	if len(results) > topK {
		results = results[:topK]
	}

	resp := &entity.RAGResponse{
		Query:        query,
		Sources:      results,
		FusionMethod: string(fused.Method),
		CreatedAt:    time.Now(),
	}

	if len(results) == 0 {
		resp.Answer = noInformationAnswer
		resp.ElapsedMs = time.Since(start).Milliseconds()
		logger.Info(ctx, "no relevant documents found", "query", truncateForLog(query), "query_type", string(analysis.Type))
		return resp, nil
	}

	temperature := defaultTemperature
	if in.Temperature != nil {
		temperature = *in.Temperature
	}
	answer, err := p.generator.Generate(ctx, query, results, in.SystemPrompt, temperature)
	if err != nil {
		return nil, err
	}
	resp.Answer = answer
	resp.ElapsedMs = time.Since(start).Milliseconds()

	logger.Info(ctx, "rag query completed",
		"query", truncateForLog(query),
		"sources", len(results),
		"fusion_method", resp.FusionMethod,
		"elapsed_ms", resp.ElapsedMs,
	)
	return resp, nil
}

// Search 混合检索，不触发生成
func (p *Pipeline) Search(ctx context.Context, in *SearchInput) (*SearchOutput, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "query cannot be empty")
	}

	topK := in.TopK
	if topK == 0 {
		topK = p.cfg.Retrieval.DefaultTopK
	}
	if topK <= 0 || topK > maxTopK {
		return nil, apperrors.New(apperrors.CodeValidationFailed, fmt.Sprintf("top_k must be between 1 and %d", maxTopK))
	}

	minSimilarity := p.cfg.Retrieval.DefaultMinSimilarity
	if in.MinSimilarity != nil {
		minSimilarity = *in.MinSimilarity
	}
	if minSimilarity < 0 || minSimilarity > 1 {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "min_similarity must be between 0 and 1")
	}

	fused, _, err := p.hybridRetrieve(ctx, query, topK, minSimilarity, in.Filters, in.FusionMethod)
	if err != nil {
		return nil, err
	}

	results := fused.Results
	if len(results) > topK {
		results = results[:topK]
	}

	out := &SearchOutput{
		Results:      results,
		TotalFound:   len(results),
		FusionMethod: string(fused.Method),
	}

	// 结果不足一半时提供检索建议与质量诊断
	if len(results) < topK/2 {
		out.Suggestions = p.literal.Suggestions(ctx, query)
		quality := p.literal.AssessQuality(ctx, query, len(results))
		out.QueryQuality = &quality
	}

	return out, nil
}

// hybridRetrieve 并行执行语义与字面检索并融合
// 单侧失败降级为单源，两侧都失败返回检索错误
func (p *Pipeline) hybridRetrieve(ctx context.Context, query string, topK int, minSimilarity float64, filters *entity.SearchFilters, method string) (*fusion.Result, entity.QueryAnalysis, error) {
	analysis := p.literal.AnalyzeQuery(query)

	retrievalCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.Retrieval.Timeout > 0 {
		retrievalCtx, cancel = context.WithTimeout(ctx, p.cfg.Retrieval.Timeout)
		defer cancel()
	}

	var (
		semantic    []entity.SearchResult
		literal     []entity.SearchResult
		semanticErr error
		literalErr  error
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(retrievalCtx)
	g.Go(func() error {
		vec, err := p.embedder.Embed(gctx, query)
		if err != nil {
			semanticErr = err
			return nil
		}
		semantic, semanticErr = p.vectors.SearchChunks(gctx, vec, topK, minSimilarity, filters)
		return nil
	})
	g.Go(func() error {
		literal, literalErr = p.literal.Search(gctx, query, topK, filters)
		return nil
	})
	_ = g.Wait()

	if semanticErr != nil && literalErr != nil {
		metrics.RetrievalTotal.WithLabelValues("hybrid", "error").Inc()
		logger.Error(ctx, "both retrieval paths failed", semanticErr,
			"literal_error", literalErr.Error(),
		)
		return nil, analysis, apperrors.Wrap(semanticErr, apperrors.CodeRetrievalFailed, "all retrieval paths failed")
	}
	if semanticErr != nil {
		logger.Warn(ctx, "semantic retrieval failed, degrading to literal only", "error", semanticErr.Error())
	}
	if literalErr != nil {
		logger.Warn(ctx, "literal retrieval failed, degrading to semantic only", "error", literalErr.Error())
	}

	metrics.RetrievalTotal.WithLabelValues("hybrid", "success").Inc()
	metrics.RetrievalDuration.WithLabelValues("hybrid").Observe(time.Since(start).Seconds())

	params := p.fusionParams(method, &analysis)
	fused := p.fusion.Fuse(semantic, literal, params)

	metrics.FusionTotal.WithLabelValues(string(fused.Method), "success").Inc()
	metrics.FusionResultCount.WithLabelValues(string(fused.Method)).Observe(float64(len(fused.Results)))

	return fused, analysis, nil
}

// fusionParams 从配置组装融合参数，请求可覆盖融合方法
func (p *Pipeline) fusionParams(method string, analysis *entity.QueryAnalysis) fusion.Params {
	params := fusion.DefaultParams()
	if p.cfg.Fusion.Method != "" {
		params.Method = fusion.Method(p.cfg.Fusion.Method)
	}
	if method != "" {
		params.Method = fusion.Method(method)
	}
	if p.cfg.Fusion.RRFK > 0 {
		params.RRFK = p.cfg.Fusion.RRFK
	}
	if p.cfg.Fusion.SemanticWeight > 0 || p.cfg.Fusion.LiteralWeight > 0 {
		params.SemanticWeight = p.cfg.Fusion.SemanticWeight
		params.LiteralWeight = p.cfg.Fusion.LiteralWeight
	}
	if p.cfg.Fusion.ExactMatchBoost > 0 {
		params.ExactMatchBoost = p.cfg.Fusion.ExactMatchBoost
	}
	params.DiversityPenalty = p.cfg.Fusion.DiversityPenalty
	params.MinFusionScore = p.cfg.Fusion.MinFusionScore
	params.Analysis = analysis
	return params
}

// DeleteDocument 删除文档：向量、关系库与响应缓存一并清理
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "document_id is required")
	}

	doc, err := p.documents.GetByID(ctx, documentID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to load document")
	}
	if doc == nil {
		return apperrors.ErrDocumentNotFound
	}

	if err := p.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return apperrors.Wrap(err, apperrors.CodeVectorDBError, "failed to delete chunk vectors")
	}
	if err := p.documents.Delete(ctx, documentID); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to delete document")
	}

	// 文档变更后问答缓存全部失效
	if err := p.cache.InvalidateResponses(ctx); err != nil {
		logger.Warn(ctx, "failed to invalidate response cache", "error", err.Error())
	}

	logger.Info(ctx, "document deleted", "document_id", documentID)
	return nil
}

// GetDocument 获取文档
func (p *Pipeline) GetDocument(ctx context.Context, documentID string) (*entity.Document, error) {
	doc, err := p.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to load document")
	}
	if doc == nil {
		return nil, apperrors.ErrDocumentNotFound
	}
	return doc, nil
}

// ListDocuments 文档列表
func (p *Pipeline) ListDocuments(ctx context.Context, filter *repository.DocumentFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.Document], error) {
	return p.documents.List(ctx, filter, pagination)
}

// Stats 知识库统计
func (p *Pipeline) Stats(ctx context.Context) (*entity.KnowledgeBaseStats, error) {
	stats, err := p.documents.Stats(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to collect stats")
	}
	stats.EmbeddingDimension = p.embedder.Dimension()
	stats.CacheEnabled = p.cfg.Caching.Enabled
	return stats, nil
}

// queryFingerprint 问答缓存指纹：规范化查询 + 参数 + 提示词 + 过滤条件
func queryFingerprint(query string, topK int, minSimilarity float64, systemPrompt string, filters *entity.SearchFilters) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))

	filterPart := ""
	if !filters.IsZero() {
		parts := make([]string, 0, 8)
		if filters.DocumentType != "" {
			parts = append(parts, "type="+filters.DocumentType)
		}
		if filters.DocumentID != "" {
			parts = append(parts, "doc="+filters.DocumentID)
		}
		if filters.City != "" {
			parts = append(parts, "city="+strings.ToLower(filters.City))
		}
		if filters.PriceMin != nil {
			parts = append(parts, fmt.Sprintf("pmin=%.2f", *filters.PriceMin))
		}
		if filters.PriceMax != nil {
			parts = append(parts, fmt.Sprintf("pmax=%.2f", *filters.PriceMax))
		}
		if filters.CreatedAfter != nil {
			parts = append(parts, "after="+filters.CreatedAfter.UTC().Format(time.RFC3339))
		}
		if len(filters.Metadata) > 0 {
			keys := make([]string, 0, len(filters.Metadata))
			for k := range filters.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if raw, err := json.Marshal(filters.Metadata[k]); err == nil {
					parts = append(parts, k+"="+string(raw))
				}
			}
		}
		filterPart = strings.Join(parts, "&")
	}

	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d|%.4f|%s|%s", normalized, topK, minSimilarity, systemPrompt, filterPart)))
	return hex.EncodeToString(sum[:])
}

func truncateForLog(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
