package handler

import (
	"github.com/gin-gonic/gin"

	"imovia-rag-api/internal/application/rag"
	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/internal/domain/repository"
	"imovia-rag-api/internal/interfaces/http/dto"
	"imovia-rag-api/pkg/logger"
)

// RAGHandler RAG 处理器
type RAGHandler struct {
	pipeline *rag.Pipeline
}

// NewRAGHandler 创建 RAG 处理器
func NewRAGHandler(pipeline *rag.Pipeline) *RAGHandler {
	return &RAGHandler{
		pipeline: pipeline,
	}
}

// IngestDocument 摄入文档
// @Summary 摄入文档
// @Description 清洗、分块并向量化文档，写入知识库
// @Tags RAG
// @Accept json
// @Produce json
// @Param body body dto.IngestDocumentRequest true "文档内容"
// @Success 201 {object} dto.Response[dto.IngestResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/documents [post]
func (h *RAGHandler) IngestDocument(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.IngestDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.pipeline.IngestDocument(ctx, req.ToInput())
	if err != nil {
		logger.Error(ctx, "failed to ingest document", err, "title", req.Title)
		respondError(c, err, "failed to ingest document")
		return
	}

	dto.Created(c, dto.ToIngestResponse(result))
}

// Query 知识库问答
// @Summary 知识库问答
// @Description 混合检索后基于上下文生成答案
// @Tags RAG
// @Accept json
// @Produce json
// @Param body body dto.QueryRequest true "问答请求"
// @Success 200 {object} dto.Response[dto.QueryResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/rag/query [post]
func (h *RAGHandler) Query(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.pipeline.Query(ctx, req.ToInput())
	if err != nil {
		logger.Error(ctx, "failed to process rag query", err)
		respondError(c, err, "failed to process query")
		return
	}

	dto.Success(c, dto.ToQueryResponse(resp))
}

// Search 检索文档分块
// @Summary 检索文档分块
// @Description 混合检索（语义 + 字面），不触发答案生成
// @Tags RAG
// @Accept json
// @Produce json
// @Param body body dto.SearchRequest true "检索请求"
// @Success 200 {object} dto.Response[dto.SearchResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/rag/search [post]
func (h *RAGHandler) Search(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	out, err := h.pipeline.Search(ctx, req.ToInput())
	if err != nil {
		logger.Error(ctx, "failed to search documents", err)
		respondError(c, err, "failed to search documents")
		return
	}

	dto.Success(c, dto.ToSearchResponse(out))
}

// GetDocument 获取文档详情
// @Summary 获取文档详情
// @Tags RAG
// @Produce json
// @Param did path string true "文档 ID"
// @Success 200 {object} dto.Response[dto.DocumentResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/documents/{did} [get]
func (h *RAGHandler) GetDocument(c *gin.Context) {
	ctx := c.Request.Context()
	documentID := dto.BindDocumentID(c)

	doc, err := h.pipeline.GetDocument(ctx, documentID)
	if err != nil {
		respondError(c, err, "failed to get document")
		return
	}

	dto.Success(c, dto.ToDocumentResponse(doc))
}

// ListDocuments 获取文档列表
// @Summary 获取文档列表
// @Tags RAG
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页条数" default(20)
// @Param document_type query string false "文档类型"
// @Param status query string false "文档状态"
// @Success 200 {object} dto.Response[[]dto.DocumentResponse]
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/documents [get]
func (h *RAGHandler) ListDocuments(c *gin.Context) {
	ctx := c.Request.Context()
	pageReq := dto.BindPage(c)

	filter := &repository.DocumentFilter{
		DocumentType: c.Query("document_type"),
		Status:       entity.DocumentStatus(c.Query("status")),
	}

	result, err := h.pipeline.ListDocuments(ctx, filter, repository.NewPagination(pageReq.Page, pageReq.PageSize))
	if err != nil {
		logger.Error(ctx, "failed to list documents", err)
		respondError(c, err, "failed to list documents")
		return
	}

	resp := dto.ToDocumentListResponse(result.Items)
	meta := dto.NewPageMeta(pageReq.Page, pageReq.PageSize, int(result.Total))
	dto.SuccessWithPage(c, resp, meta)
}

// DeleteDocument 删除文档
// @Summary 删除文档
// @Description 删除文档的向量、分块与元数据，并清空问答缓存
// @Tags RAG
// @Produce json
// @Param did path string true "文档 ID"
// @Success 204
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/documents/{did} [delete]
func (h *RAGHandler) DeleteDocument(c *gin.Context) {
	ctx := c.Request.Context()
	documentID := dto.BindDocumentID(c)

	if err := h.pipeline.DeleteDocument(ctx, documentID); err != nil {
		logger.Error(ctx, "failed to delete document", err, "document_id", documentID)
		respondError(c, err, "failed to delete document")
		return
	}

	dto.NoContent(c)
}

// Stats 知识库统计
// @Summary 知识库统计
// @Tags RAG
// @Produce json
// @Success 200 {object} dto.Response[dto.StatsResponse]
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/rag/stats [get]
func (h *RAGHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.pipeline.Stats(ctx)
	if err != nil {
		logger.Error(ctx, "failed to collect stats", err)
		respondError(c, err, "failed to collect stats")
		return
	}

	dto.Success(c, dto.ToStatsResponse(stats))
}
