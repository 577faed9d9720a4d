// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/internal/domain/repository"
)

// DocumentRepository 文档仓储实现
type DocumentRepository struct {
	client             *Client
	embeddingDimension int
}

// NewDocumentRepository 创建文档仓储
func NewDocumentRepository(client *Client, embeddingDimension int) *DocumentRepository {
	return &DocumentRepository{
		client:             client,
		embeddingDimension: embeddingDimension,
	}
}

// AutoMigrate 建表并为分块内容创建葡萄牙语全文索引
func (r *DocumentRepository) AutoMigrate(ctx context.Context) error {
	db := getDB(ctx, r.client.db)
	if err := db.AutoMigrate(&entity.Document{}, &entity.DocumentChunk{}); err != nil {
		return fmt.Errorf("failed to migrate document tables: %w", err)
	}

	// trigram 相似度扩展，供检索建议使用
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS pg_trgm`).Error; err != nil {
		return fmt.Errorf("failed to create pg_trgm extension: %w", err)
	}

	// GIN 全文索引，供字面检索使用
	return db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_content_fts
		 ON document_chunks USING gin(to_tsvector('portuguese', content))`,
	).Error
}

// Create 创建文档
func (r *DocumentRepository) Create(ctx context.Context, doc *entity.Document) error {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(doc).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取文档
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*entity.Document, error) {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var doc entity.Document
	if err := db.First(&doc, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// Update 更新文档
func (r *DocumentRepository) Update(ctx context.Context, doc *entity.Document) error {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.Update")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Save(doc).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

// Delete 删除文档及其分块
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.Delete")
	defer span.End()

	// 分块与文档两条删除语句同进同退
	err := getDB(ctx, r.client.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&entity.DocumentChunk{}, "document_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete document chunks: %w", err)
		}
		if err := tx.Delete(&entity.Document{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// List 获取文档列表
func (r *DocumentRepository) List(ctx context.Context, filter *repository.DocumentFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.Document], error) {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.List")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&entity.Document{})

	if filter != nil {
		if filter.DocumentType != "" {
			query = query.Where("document_type = ?", filter.DocumentType)
		}
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	var docs []*entity.Document
	if err := query.Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&docs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return repository.NewPagedResult(docs, total, pagination), nil
}

// SaveChunks 保存文档分块，先清理旧分块保证重复摄入幂等
func (r *DocumentRepository) SaveChunks(ctx context.Context, documentID string, chunks []*entity.DocumentChunk) error {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.SaveChunks")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Delete(&entity.DocumentChunk{}, "document_id = ?", documentID).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear old chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := db.CreateInBatches(chunks, 200).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save chunks: %w", err)
	}
	return nil
}

// Stats 统计文档与分块数量
func (r *DocumentRepository) Stats(ctx context.Context) (*entity.KnowledgeBaseStats, error) {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.Stats")
	defer span.End()

	db := getDB(ctx, r.client.db)

	stats := &entity.KnowledgeBaseStats{
		EmbeddingDimension: r.embeddingDimension,
		DocumentsByStatus:  map[string]int64{},
	}

	if err := db.Model(&entity.Document{}).Count(&stats.TotalDocuments).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if err := db.Model(&entity.DocumentChunk{}).Count(&stats.TotalChunks).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&entity.Document{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to group documents by status: %w", err)
	}
	for _, row := range rows {
		stats.DocumentsByStatus[row.Status] = row.Count
	}

	return stats, nil
}
