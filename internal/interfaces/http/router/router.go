// Package router 提供 HTTP 路由配置
package router

import (
	"imovia-rag-api/internal/config"
	"imovia-rag-api/internal/interfaces/http/handler"
	"imovia-rag-api/internal/interfaces/http/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 路由依赖
type Deps struct {
	Config        *config.Config
	RAGHandler    *handler.RAGHandler
	HealthHandler *handler.HealthHandler
	RateLimiter   gin.HandlerFunc
}

// Router HTTP 路由器
type Router struct {
	engine *gin.Engine
	deps   Deps
}

// New 创建新的路由器
func New(deps Deps) *Router {
	// 设置 Gin 模式
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	r := &Router{
		engine: engine,
		deps:   deps,
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// Engine 返回 Gin Engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// setupMiddleware 配置中间件
func (r *Router) setupMiddleware() {
	cfg := r.deps.Config

	// 基础中间件
	r.engine.Use(middleware.Recovery())
	r.engine.Use(middleware.RequestID())

	// CORS 中间件
	r.engine.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		AllowedMethods: cfg.Security.CORS.AllowedMethods,
		AllowedHeaders: cfg.Security.CORS.AllowedHeaders,
	}))

	// 追踪中间件
	if cfg.Observability.Tracing.Enabled {
		r.engine.Use(middleware.Trace(cfg.App.Name))
		r.engine.Use(middleware.TraceContext())
	}

	// 指标中间件
	if cfg.Observability.Metrics.Enabled {
		r.engine.Use(middleware.Metrics())
	}

	// 限流中间件
	if r.deps.RateLimiter != nil {
		r.engine.Use(r.deps.RateLimiter)
	}
}

// setupRoutes 配置路由
func (r *Router) setupRoutes() {
	cfg := r.deps.Config

	// 系统端点
	r.engine.GET("/health", r.deps.HealthHandler.Health)
	r.engine.GET("/ready", r.deps.HealthHandler.Ready)
	r.engine.GET("/live", r.deps.HealthHandler.Live)

	// Prometheus 指标端点
	if cfg.Observability.Metrics.Enabled {
		r.engine.GET(cfg.Observability.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// API v1 路由组
	v1 := r.engine.Group("/v1")
	RegisterV1Routes(v1, r.deps.RAGHandler)
}
