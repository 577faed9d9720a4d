// Package entity 定义领域实体
package entity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DocumentStatus 文档状态
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusArchived   DocumentStatus = "archived"
)

// Document 知识库文档
type Document struct {
	ID           string         `json:"id" gorm:"type:varchar(64);primaryKey"`
	Title        string         `json:"title" gorm:"type:varchar(500);not null"`
	Content      string         `json:"content" gorm:"type:text;not null"`
	DocumentType string         `json:"document_type" gorm:"type:varchar(50);index;default:'general'"`
	SourceURL    string         `json:"source_url,omitempty" gorm:"type:varchar(1000)"`
	Tags         pq.StringArray `json:"tags,omitempty" gorm:"type:text[]"`
	Metadata     map[string]any `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	Status       DocumentStatus `json:"status" gorm:"type:varchar(20);index;default:'pending'"`
	ErrorMessage string         `json:"error_message,omitempty" gorm:"type:text"`
	ChunkCount   int            `json:"chunk_count" gorm:"default:0"`
	CreatedAt    time.Time      `json:"created_at" gorm:"autoCreateTime;index"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Document) TableName() string {
	return "documents"
}

// NewDocument 创建新文档，ID 由标题和内容前缀确定性派生
func NewDocument(title, content, documentType string, metadata map[string]any) *Document {
	if documentType == "" {
		documentType = "general"
	}
	now := time.Now()
	return &Document{
		ID:           DeriveDocumentID(title, content),
		Title:        title,
		Content:      content,
		DocumentType: documentType,
		Metadata:     metadata,
		Status:       DocumentStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// MarkProcessing 标记文档处理中
func (d *Document) MarkProcessing() {
	d.Status = DocumentStatusProcessing
	d.UpdatedAt = time.Now()
}

// MarkCompleted 标记文档处理完成
func (d *Document) MarkCompleted(chunkCount int) {
	d.Status = DocumentStatusCompleted
	d.ChunkCount = chunkCount
	d.ErrorMessage = ""
	d.UpdatedAt = time.Now()
}

// MarkFailed 标记文档处理失败
func (d *Document) MarkFailed(reason string) {
	d.Status = DocumentStatusFailed
	d.ErrorMessage = reason
	d.UpdatedAt = time.Now()
}

// DocumentChunk 文档分块
type DocumentChunk struct {
	ID         string         `json:"id" gorm:"type:varchar(64);primaryKey"`
	DocumentID string         `json:"document_id" gorm:"type:varchar(64);index;not null"`
	Content    string         `json:"content" gorm:"type:text;not null"`
	ChunkIndex int            `json:"chunk_index" gorm:"not null"`
	StartChar  int            `json:"start_char"`
	EndChar    int            `json:"end_char"`
	Embedding  []float32      `json:"-" gorm:"-"`
	Metadata   map[string]any `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt  time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (DocumentChunk) TableName() string {
	return "document_chunks"
}

// NewDocumentChunk 创建文档分块，ID 由文档、序号和内容确定性派生
func NewDocumentChunk(documentID string, index int, content string) *DocumentChunk {
	return &DocumentChunk{
		ID:         DeriveChunkID(documentID, index, content),
		DocumentID: documentID,
		Content:    content,
		ChunkIndex: index,
		CreatedAt:  time.Now(),
	}
}

// DeriveDocumentID 根据标题与内容前 100 字符派生文档 ID
func DeriveDocumentID(title, content string) string {
	prefix := content
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s", title, prefix)))
	return "doc_" + hex.EncodeToString(sum[:])[:12]
}

// DeriveChunkID 根据文档 ID、分块序号和内容派生分块 ID
func DeriveChunkID(documentID string, index int, content string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%s", documentID, index, content)))
	return "chunk_" + hex.EncodeToString(sum[:])[:8]
}
