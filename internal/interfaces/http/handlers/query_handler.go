package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/application/usecase"
	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
)

// QueryHandler 相似窗口检索
type QueryHandler struct {
	uc     *usecase.SessionUseCase
	logger *zap.Logger
}

// NewQueryHandler 创建检索处理器
func NewQueryHandler(uc *usecase.SessionUseCase, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{uc: uc, logger: logger}
}

// SimilarRequest k 近邻检索请求
type SimilarRequest struct {
	WindowID string `json:"window_id" binding:"required"`
	Limit    int    `json:"limit"`
	Filter   struct {
		SessionID string `json:"session_id"`
		Label     string `json:"label"`
	} `json:"filter"`
}

// similarHit 单条检索结果
type similarHit struct {
	WindowID  string              `json:"window_id"`
	SessionID string              `json:"session_id"`
	StartTime string              `json:"start_time"`
	Label     entity.ActivityType `json:"label,omitempty"`
	Score     float32             `json:"score"`
}

// Similar POST /api/query/similar
func (h *QueryHandler) Similar(c *gin.Context) {
	var req SimilarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := repository.WindowFilter{
		SessionID: req.Filter.SessionID,
		Label:     entity.ActivityType(req.Filter.Label),
	}
	points, err := h.uc.Similar(c.Request.Context(), req.WindowID, req.Limit, filter)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	hits := make([]similarHit, 0, len(points))
	for _, p := range points {
		hits = append(hits, similarHit{
			WindowID:  p.ID,
			SessionID: p.Window.SessionID,
			StartTime: entity.FormatTimestamp(p.Window.StartTime),
			Label:     p.Window.Label,
			Score:     p.Score,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": hits, "count": len(hits)})
}
