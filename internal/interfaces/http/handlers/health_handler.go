package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pyrolink/pyrolink/internal/application/usecase"
)

// HealthHandler 汇总依赖健康状态
type HealthHandler struct {
	uc *usecase.SessionUseCase
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(uc *usecase.SessionUseCase) *HealthHandler {
	return &HealthHandler{uc: uc}
}

// Health GET /health; 任一依赖不可用时返回 503
func (h *HealthHandler) Health(c *gin.Context) {
	health := h.uc.Health(c.Request.Context())

	status := http.StatusOK
	for _, v := range health {
		if v == "unavailable" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(status, health)
}
