package handlers

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/application/usecase"
	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
)

const exportPageSize = 200

// ExportHandler 会话窗口流式导出
type ExportHandler struct {
	uc     *usecase.SessionUseCase
	logger *zap.Logger
}

// NewExportHandler 创建导出处理器
func NewExportHandler(uc *usecase.SessionUseCase, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{uc: uc, logger: logger}
}

// exportedWindow JSON 导出行
type exportedWindow struct {
	WindowID   string              `json:"window_id"`
	SessionID  string              `json:"session_id"`
	StartTime  string              `json:"start_time"`
	EndTime    string              `json:"end_time"`
	FootCount  int                 `json:"foot_count"`
	AccelCount int                 `json:"accel_count"`
	Label      entity.ActivityType `json:"label,omitempty"`
	Vector     []float32           `json:"vector,omitempty"`
}

// Export GET /api/sessions/:id/export?format={json|csv}&include_raw={true|false}
// 逐页扫描向量库并流式写出, 不整体驻留内存.
func (h *ExportHandler) Export(c *gin.Context) {
	id := c.Param("id")
	format := c.DefaultQuery("format", "json")
	includeRaw, _ := strconv.ParseBool(c.DefaultQuery("include_raw", "false"))

	switch format {
	case "json":
		h.exportJSON(c, id, includeRaw)
	case "csv":
		h.exportCSV(c, id, includeRaw)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported format: " + format})
	}
}

func (h *ExportHandler) exportJSON(c *gin.Context, id string, includeRaw bool) {
	// 首页单独取, 让 NotFound 还能走正常错误通道
	points, next, err := h.uc.Windows(c.Request.Context(), id, exportPageSize, "")
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.json", id))
	w := c.Writer
	enc := json.NewEncoder(w)

	w.Write([]byte("[\n"))
	first := true
	for {
		for _, p := range points {
			if !first {
				w.Write([]byte(",\n"))
			}
			first = false
			if err := enc.Encode(toExported(p, includeRaw)); err != nil {
				h.logger.Error("Export encode failed", zap.Error(err))
				return
			}
		}
		w.Flush()
		if next == "" {
			break
		}
		points, next, err = h.uc.Windows(c.Request.Context(), id, exportPageSize, next)
		if err != nil {
			h.logger.Error("Export scroll failed", zap.Error(err))
			return
		}
	}
	w.Write([]byte("]\n"))
	w.Flush()
}

func (h *ExportHandler) exportCSV(c *gin.Context, id string, includeRaw bool) {
	points, next, err := h.uc.Windows(c.Request.Context(), id, exportPageSize, "")
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", id))
	cw := csv.NewWriter(c.Writer)

	header := []string{"window_id", "session_id", "start_time", "end_time", "foot_count", "accel_count", "label"}
	if includeRaw {
		for i := 0; i < entity.VectorDim; i++ {
			header = append(header, fmt.Sprintf("v%d", i))
		}
	}
	cw.Write(header)

	for {
		for _, p := range points {
			row := []string{
				p.ID,
				p.Window.SessionID,
				entity.FormatTimestamp(p.Window.StartTime),
				entity.FormatTimestamp(p.Window.EndTime),
				strconv.Itoa(p.Window.FootCount),
				strconv.Itoa(p.Window.AccelCount),
				string(p.Window.Label),
			}
			if includeRaw {
				for _, v := range p.Window.Vector {
					row = append(row, strconv.FormatFloat(float64(v), 'g', -1, 32))
				}
			}
			if err := cw.Write(row); err != nil {
				h.logger.Error("Export write failed", zap.Error(err))
				return
			}
		}
		cw.Flush()
		if next == "" {
			return
		}
		points, next, err = h.uc.Windows(c.Request.Context(), id, exportPageSize, next)
		if err != nil {
			h.logger.Error("Export scroll failed", zap.Error(err))
			return
		}
	}
}

func toExported(p repository.WindowPoint, includeRaw bool) exportedWindow {
	out := exportedWindow{
		WindowID:   p.ID,
		SessionID:  p.Window.SessionID,
		StartTime:  entity.FormatTimestamp(p.Window.StartTime),
		EndTime:    entity.FormatTimestamp(p.Window.EndTime),
		FootCount:  p.Window.FootCount,
		AccelCount: p.Window.AccelCount,
		Label:      p.Window.Label,
	}
	if includeRaw {
		out.Vector = p.Window.Vector
	}
	return out
}
