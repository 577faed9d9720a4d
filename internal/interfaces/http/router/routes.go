// Package router 提供 HTTP 路由配置
package router

import (
	"imovia-rag-api/internal/interfaces/http/handler"

	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(v1 *gin.RouterGroup, ragHandler *handler.RAGHandler) {
	// 文档管理
	documents := v1.Group("/documents")
	{
		documents.POST("", ragHandler.IngestDocument)
		documents.GET("", ragHandler.ListDocuments)
		documents.GET("/:did", ragHandler.GetDocument)
		documents.DELETE("/:did", ragHandler.DeleteDocument)
	}

	// 检索与问答
	ragGroup := v1.Group("/rag")
	{
		ragGroup.POST("/query", ragHandler.Query)
		ragGroup.POST("/search", ragHandler.Search)
		ragGroup.GET("/stats", ragHandler.Stats)
	}
}
