// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"imovia-rag-api/internal/interfaces/http/dto"
	"imovia-rag-api/pkg/errors"
)

// respondError 统一错误响应：AppError 按其 HTTP 状态码返回，其余归为 500
func respondError(c *gin.Context, err error, fallback string) {
	if errors.IsAppError(err) {
		appErr := errors.AsAppError(err)
		dto.ErrorWithDetail(c, appErr.HTTPStatus, appErr.Message, &dto.ErrorDetail{
			ErrorCode: string(appErr.Code),
			Details:   appErr.Detail,
		})
		return
	}
	dto.InternalError(c, fallback)
}
