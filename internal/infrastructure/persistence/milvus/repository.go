// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	milvusentity "github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/pkg/metrics"
)

// Repository 文档分块向量仓储
type Repository struct {
	client    *Client
	dimension int
}

// NewRepository 创建向量仓储，dimension ≤ 0 时使用默认维度
func NewRepository(client *Client, dimension int) *Repository {
	if dimension <= 0 {
		dimension = VectorDimension
	}
	return &Repository{client: client, dimension: dimension}
}

// CreateCollection 创建集合
func (r *Repository) CreateCollection(ctx context.Context, schema *milvusentity.Schema) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateCollection",
		trace.WithAttributes(attribute.String("collection", schema.CollectionName)))
	defer span.End()

	collName := r.client.CollectionName(schema.CollectionName)
	schema.CollectionName = collName

	err := r.client.milvus.CreateCollection(ctx, schema, milvusentity.DefaultShardNumber)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// CreateIndex 创建 HNSW 索引
func (r *Repository) CreateIndex(ctx context.Context, collection string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateIndex",
		trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	collName := r.client.CollectionName(collection)

	idx, err := milvusentity.NewIndexHNSW(
		milvusentity.COSINE,
		r.client.config.HNSWM,
		r.client.config.HNSWEfConstruction,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = r.client.milvus.CreateIndex(ctx, collName, "vector", idx, false)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// UpsertChunks 写入文档分块；同文档先删后插，保证重复摄入幂等
func (r *Repository) UpsertChunks(ctx context.Context, documentID string, chunks []*entity.DocumentChunk) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.UpsertChunks",
		trace.WithAttributes(
			attribute.String("document_id", documentID),
			attribute.Int("count", len(chunks)),
		))
	defer span.End()

	if err := r.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	collName := r.client.CollectionName(CollectionDocumentChunks)
	now := time.Now().Unix()

	ids := make([]string, len(chunks))
	vectors := make([][]float32, len(chunks))
	documentIDs := make([]string, len(chunks))
	documentTypes := make([]string, len(chunks))
	chunkIndexes := make([]int64, len(chunks))
	ingestedAts := make([]int64, len(chunks))
	textContents := make([]string, len(chunks))
	metadatas := make([][]byte, len(chunks))

	for i, c := range chunks {
		ids[i] = c.ID
		vectors[i] = c.Embedding
		documentIDs[i] = c.DocumentID
		documentTypes[i] = metadataString(c.Metadata, "document_type")
		chunkIndexes[i] = int64(c.ChunkIndex)
		ingestedAts[i] = now
		textContents[i] = c.Content

		raw, err := json.Marshal(c.Metadata)
		if err != nil || len(c.Metadata) == 0 {
			raw = []byte("{}")
		}
		metadatas[i] = raw
	}

	idCol := milvusentity.NewColumnVarChar("id", ids)
	vectorCol := milvusentity.NewColumnFloatVector("vector", r.dimension, vectors)
	docCol := milvusentity.NewColumnVarChar("document_id", documentIDs)
	typeCol := milvusentity.NewColumnVarChar("document_type", documentTypes)
	indexCol := milvusentity.NewColumnInt64("chunk_index", chunkIndexes)
	ingestedCol := milvusentity.NewColumnInt64("ingested_at", ingestedAts)
	textCol := milvusentity.NewColumnVarChar("text_content", textContents)
	metaCol := milvusentity.NewColumnJSONBytes("metadata", metadatas)

	_, err := r.client.milvus.Insert(ctx, collName, "",
		idCol, vectorCol, docCol, typeCol, indexCol, ingestedCol, textCol, metaCol)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	return nil
}

// SearchChunks 向量近邻检索，低于相似度阈值的结果被排除
func (r *Repository) SearchChunks(ctx context.Context, queryVector []float32, topK int, minSimilarity float64, filters *entity.SearchFilters) ([]entity.SearchResult, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchChunks",
		trace.WithAttributes(attribute.Int("top_k", topK)))
	defer span.End()

	collName := r.client.CollectionName(CollectionDocumentChunks)
	start := time.Now()

	expr := buildFilterExpr(filters)

	sp, err := milvusentity.NewIndexHNSWSearchParam(128)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	results, err := r.client.milvus.Search(ctx,
		collName,
		nil,
		expr,
		[]string{"id", "document_id", "chunk_index", "ingested_at", "text_content", "metadata"},
		[]milvusentity.Vector{milvusentity.FloatVector(queryVector)},
		"vector",
		milvusentity.COSINE,
		topK,
		sp,
	)
	metrics.MilvusSearchDuration.WithLabelValues(CollectionDocumentChunks).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MilvusSearchTotal.WithLabelValues(CollectionDocumentChunks, "error").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	metrics.MilvusSearchTotal.WithLabelValues(CollectionDocumentChunks, "success").Inc()

	type scored struct {
		result     entity.SearchResult
		ingestedAt int64
	}
	var parsed []scored

	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			// COSINE: distance = 1 - cos，转换为相似度
			similarity := 1 - float64(result.Scores[i])
			if similarity < minSimilarity {
				continue
			}

			sr := entity.SearchResult{
				Score:  similarity,
				Source: entity.MatchSourceSemantic,
			}
			var ingestedAt int64

			if col, ok := result.Fields.GetColumn("id").(*milvusentity.ColumnVarChar); ok {
				sr.ChunkID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("document_id").(*milvusentity.ColumnVarChar); ok {
				sr.DocumentID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("chunk_index").(*milvusentity.ColumnInt64); ok {
				sr.ChunkIndex = int(col.Data()[i])
			}
			if col, ok := result.Fields.GetColumn("ingested_at").(*milvusentity.ColumnInt64); ok {
				ingestedAt = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("text_content").(*milvusentity.ColumnVarChar); ok {
				sr.Content = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("metadata").(*milvusentity.ColumnJSONBytes); ok {
				var meta map[string]any
				if err := json.Unmarshal(col.Data()[i], &meta); err == nil && len(meta) > 0 {
					sr.Metadata = meta
				}
			}

			parsed = append(parsed, scored{result: sr, ingestedAt: ingestedAt})
		}
	}

	// 相似度降序；同分时新摄入的优先，保证排序确定性
	sort.SliceStable(parsed, func(i, j int) bool {
		if parsed[i].result.Score != parsed[j].result.Score {
			return parsed[i].result.Score > parsed[j].result.Score
		}
		if parsed[i].ingestedAt != parsed[j].ingestedAt {
			return parsed[i].ingestedAt > parsed[j].ingestedAt
		}
		return parsed[i].result.ChunkID < parsed[j].result.ChunkID
	})

	out := make([]entity.SearchResult, 0, len(parsed))
	for _, p := range parsed {
		out = append(out, p.result)
	}

	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

// DeleteByDocument 删除文档的全部分块
func (r *Repository) DeleteByDocument(ctx context.Context, documentID string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.DeleteByDocument",
		trace.WithAttributes(attribute.String("document_id", documentID)))
	defer span.End()

	collName := r.client.CollectionName(CollectionDocumentChunks)
	filter := fmt.Sprintf(`document_id == "%s"`, escapeExpr(documentID))

	if err := r.client.milvus.Delete(ctx, collName, "", filter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// HealthCheck 健康检查
func (r *Repository) HealthCheck(ctx context.Context) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("milvus client not configured")
	}
	return r.client.HealthCheck(ctx)
}

// EnsureDocumentChunksCollection 确保集合与索引可用（不存在则创建）。
// 约束：不会做 drop/rebuild 等破坏性操作。
func (r *Repository) EnsureDocumentChunksCollection(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}

	exists, err := r.client.HasCollection(ctx, CollectionDocumentChunks)
	if err != nil {
		return err
	}
	if !exists {
		if err := r.CreateCollection(ctx, DocumentChunksSchema(r.dimension)); err != nil {
			return err
		}
		// 新建集合时创建索引；若失败，允许后续由运维介入。
		_ = r.CreateIndex(ctx, CollectionDocumentChunks)
	}

	return r.client.LoadCollection(ctx, CollectionDocumentChunks)
}

// buildFilterExpr 将检索过滤条件转换为 Milvus 布尔表达式，条件之间为合取
func buildFilterExpr(filters *entity.SearchFilters) string {
	if filters.IsZero() {
		return ""
	}

	var parts []string
	if filters.DocumentType != "" {
		parts = append(parts, fmt.Sprintf(`document_type == "%s"`, escapeExpr(filters.DocumentType)))
	}
	if filters.DocumentID != "" {
		parts = append(parts, fmt.Sprintf(`document_id == "%s"`, escapeExpr(filters.DocumentID)))
	}
	if filters.City != "" {
		parts = append(parts, fmt.Sprintf(`metadata["city"] == "%s"`, escapeExpr(filters.City)))
	}
	if filters.PriceMin != nil {
		parts = append(parts, fmt.Sprintf(`metadata["price"] >= %g`, *filters.PriceMin))
	}
	if filters.PriceMax != nil {
		parts = append(parts, fmt.Sprintf(`metadata["price"] <= %g`, *filters.PriceMax))
	}
	if filters.CreatedAfter != nil {
		parts = append(parts, fmt.Sprintf(`ingested_at >= %d`, filters.CreatedAfter.Unix()))
	}
	for key, val := range filters.Metadata {
		switch v := val.(type) {
		case string:
			parts = append(parts, fmt.Sprintf(`metadata["%s"] == "%s"`, escapeExpr(key), escapeExpr(v)))
		case float64:
			parts = append(parts, fmt.Sprintf(`metadata["%s"] == %g`, escapeExpr(key), v))
		case int:
			parts = append(parts, fmt.Sprintf(`metadata["%s"] == %d`, escapeExpr(key), v))
		case bool:
			parts = append(parts, fmt.Sprintf(`metadata["%s"] == %t`, escapeExpr(key), v))
		}
	}

	sort.Strings(parts)
	return strings.Join(parts, " && ")
}

// escapeExpr 转义表达式中的引号，防止过滤条件注入
func escapeExpr(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// metadataString 从元数据中取字符串值
func metadataString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
