package router

import (
	"github.com/cloudwego/hertz/pkg/app/server"

	"resume-matcher/internal/api/handler"
)

const healthPath = "/api/v1/health"

// RegisterRoutes 注册 API 路由；apiKeys 非空时除健康检查外都需要携带密钥
func RegisterRoutes(h *server.Hertz, matchHandler *handler.MatchHandler, apiKeys ...string) {
	api := h.Group("/api/v1")
	if len(apiKeys) > 0 {
		api.Use(handler.APIKeyAuth(apiKeys, healthPath))
	}

	api.POST("/taxonomy", matchHandler.HandleExtractTaxonomy)
	api.POST("/match", matchHandler.HandleMatch)
	api.POST("/report", matchHandler.HandleReport)
	api.POST("/resumes", matchHandler.HandleIngest)

	api.GET("/health", matchHandler.HandleHealth)
}
