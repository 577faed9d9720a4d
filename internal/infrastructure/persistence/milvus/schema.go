// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// CollectionDocumentChunks 文档分块集合
	CollectionDocumentChunks = "document_chunks"

	// VectorDimension 默认向量维度
	VectorDimension = 1536
)

// DocumentChunksSchema 文档分块 Collection Schema
func DocumentChunksSchema(dimension int) *entity.Schema {
	if dimension <= 0 {
		dimension = VectorDimension
	}
	return &entity.Schema{
		CollectionName: CollectionDocumentChunks,
		Description:    "Document chunks for semantic search over the knowledge base",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", dimension),
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "document_type",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "50",
				},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "ingested_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text_content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
			{
				Name:     "metadata",
				DataType: entity.FieldTypeJSON,
			},
		},
	}
}

// ChunkRecord 文档分块向量记录
type ChunkRecord struct {
	ID           string    `json:"id"`
	Vector       []float32 `json:"vector"`
	DocumentID   string    `json:"document_id"`
	DocumentType string    `json:"document_type"`
	ChunkIndex   int64     `json:"chunk_index"`
	IngestedAt   int64     `json:"ingested_at"`
	TextContent  string    `json:"text_content"`
	Metadata     []byte    `json:"metadata"`
}
