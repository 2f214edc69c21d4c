package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/application/usecase"
	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// SessionHandler 会话 CRUD 接口
type SessionHandler struct {
	uc     *usecase.SessionUseCase
	logger *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(uc *usecase.SessionUseCase, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{uc: uc, logger: logger}
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	Name         string `json:"name" binding:"required"`
	ActivityType string `json:"activity_type"`
}

// UpdateSessionRequest 更新会话请求
type UpdateSessionRequest struct {
	Name         *string               `json:"name"`
	ActivityType *string               `json:"activity_type"`
	WindowLabels []usecase.WindowLabel `json:"window_labels"`
}

// Create POST /api/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.uc.Create(c.Request.Context(), req.Name, entity.ActivityType(req.ActivityType))
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// List GET /api/sessions
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.uc.List(c.Request.Context())
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// Get GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	detail, err := h.uc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":      detail.Session,
		"window_count": detail.WindowCount,
	})
}

// Update PUT /api/sessions/:id
func (h *SessionHandler) Update(c *gin.Context) {
	var req UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var activity *entity.ActivityType
	if req.ActivityType != nil {
		a := entity.ActivityType(*req.ActivityType)
		activity = &a
	}
	session, err := h.uc.Update(c.Request.Context(), c.Param("id"), req.Name, activity, req.WindowLabels)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Stop POST /api/sessions/:id/stop
func (h *SessionHandler) Stop(c *gin.Context) {
	session, err := h.uc.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Delete DELETE /api/sessions/:id
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.uc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		WriteError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// WriteError 按错误码映射 HTTP 状态
func WriteError(c *gin.Context, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.CodeConflict:
		status = http.StatusConflict
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeInvalidInput, apperrors.CodeMalformedFrame, apperrors.CodeSchemaMismatch:
		status = http.StatusBadRequest
	case apperrors.CodeTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logger.Error("Request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
