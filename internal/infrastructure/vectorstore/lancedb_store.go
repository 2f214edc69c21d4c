package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/lancedb/lancedb-go/pkg/contracts"
	"github.com/lancedb/lancedb-go/pkg/lancedb"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	"github.com/pyrolink/pyrolink/internal/domain/repository"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

const tableName = "windows"

// LanceDBStore implements repository.VectorStore using LanceDB.
type LanceDBStore struct {
	conn   contracts.IConnection
	table  contracts.ITable
	schema *arrow.Schema
	logger *zap.Logger
}

// NewLanceDBStore creates a LanceDB-backed window store.
// storePath: directory to persist LanceDB data (e.g. ~/.pyrolink/vectors).
func NewLanceDBStore(storePath string, logger *zap.Logger) (*LanceDBStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	absPath, err := expandPath(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	ctx := context.Background()
	conn, err := lancedb.Connect(ctx, absPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LanceDB at %s: %w", absPath, err)
	}

	fields := []arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "session_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "label", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "start_time_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "end_time_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "foot_count", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "accel_count", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(entity.VectorDim), arrow.PrimitiveTypes.Float32), Nullable: false},
		{Name: "created_at", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}
	arrowSchema := arrow.NewSchema(fields, nil)

	table, err := openOrCreateTable(ctx, conn, arrowSchema, logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open/create table: %w", err)
	}

	logger.Info("LanceDB window store initialized",
		zap.String("path", absPath),
		zap.Int("dimension", entity.VectorDim),
	)

	return &LanceDBStore{
		conn:   conn,
		table:  table,
		schema: arrowSchema,
		logger: logger,
	}, nil
}

func openOrCreateTable(ctx context.Context, conn contracts.IConnection, arrowSchema *arrow.Schema, logger *zap.Logger) (contracts.ITable, error) {
	table, err := conn.OpenTable(ctx, tableName)
	if err == nil {
		logger.Info("Opened existing LanceDB table", zap.String("table", tableName))
		return table, nil
	}

	logger.Info("Creating new LanceDB table", zap.String("table", tableName))
	schema, err := lancedb.NewSchema(arrowSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create LanceDB schema: %w", err)
	}
	return conn.CreateTable(ctx, tableName, schema)
}

// Upsert 写入或覆盖一个窗口点位. 先按 id 删除再插入, 重放同一数据流幂等.
func (s *LanceDBStore) Upsert(ctx context.Context, pointID string, window entity.Window) error {
	if len(window.Vector) != entity.VectorDim {
		return apperrors.NewSchemaMismatch(
			fmt.Sprintf("vector dimension mismatch: expected %d, got %d", entity.VectorDim, len(window.Vector)))
	}

	if err := s.table.Delete(ctx, idExpr(pointID)); err != nil {
		s.logger.Debug("Pre-upsert delete failed (point may not exist)",
			zap.String("id", pointID), zap.Error(err))
	}

	record, err := s.windowToRecord(pointID, window)
	if err != nil {
		return err
	}
	defer record.Release()

	if err := s.table.Add(ctx, record, nil); err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB insert failed")
	}
	s.logger.Debug("Window upserted",
		zap.String("id", pointID),
		zap.String("session_id", window.SessionID),
	)
	return nil
}

// Scroll 按 (start_time_ms, id) 顺序遍历匹配点位.
// cursor 是上一页最后一个点位的 id, 空串表示从头开始.
func (s *LanceDBStore) Scroll(ctx context.Context, filter repository.WindowFilter, limit int, cursor string) ([]repository.WindowPoint, string, error) {
	rows, err := s.table.SelectWithFilter(ctx, filterExpr(filter))
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB scroll query failed")
	}

	points := rowsToPoints(rows)
	sortPoints(points)

	start := 0
	if cursor != "" {
		for i, p := range points {
			if p.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(points) {
		return nil, "", nil
	}

	end := start + limit
	if limit <= 0 || end > len(points) {
		end = len(points)
	}
	page := points[start:end]

	next := ""
	if end < len(points) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// Search 以给定点位的向量为查询做 k 近邻检索. 参考点位本身不出现在结果中.
func (s *LanceDBStore) Search(ctx context.Context, referencePointID string, limit int, filter repository.WindowFilter) ([]repository.WindowPoint, error) {
	refRows, err := s.table.SelectWithFilter(ctx, idExpr(referencePointID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB reference lookup failed")
	}
	if len(refRows) == 0 {
		return nil, apperrors.NewNotFound("window not found: " + referencePointID)
	}
	query, ok := rowVector(refRows[0])
	if !ok || len(query) != entity.VectorDim {
		return nil, apperrors.NewSchemaMismatch("stored vector has unexpected dimension")
	}

	// 多取一个名额, 参考点位自身通常是最近邻
	expr := filterExpr(filter)
	var rows []map[string]interface{}
	if expr != "" {
		rows, err = s.table.VectorSearchWithFilter(ctx, "vector", query, limit+1, expr)
	} else {
		rows, err = s.table.VectorSearch(ctx, "vector", query, limit+1)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB vector search failed")
	}

	points := make([]repository.WindowPoint, 0, len(rows))
	for _, row := range rows {
		p, ok := rowToPoint(row)
		if !ok || p.ID == referencePointID {
			continue
		}
		points = append(points, p)
		if len(points) >= limit {
			break
		}
	}
	return points, nil
}

// DeleteBy 删除匹配过滤条件的全部点位, 返回删除数
func (s *LanceDBStore) DeleteBy(ctx context.Context, filter repository.WindowFilter) (int64, error) {
	expr := filterExpr(filter)
	if expr == "" {
		return 0, apperrors.NewInvalidInput("refusing to delete without a filter")
	}

	rows, err := s.table.SelectWithFilter(ctx, expr)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB count query failed")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.table.Delete(ctx, expr); err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB delete failed")
	}
	return int64(len(rows)), nil
}

// SetLabel 为点位附加活动标签 (读出 -> 删除 -> 带新标签重插)
func (s *LanceDBStore) SetLabel(ctx context.Context, pointID string, label entity.ActivityType) error {
	rows, err := s.table.SelectWithFilter(ctx, idExpr(pointID))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB lookup failed")
	}
	if len(rows) == 0 {
		return apperrors.NewNotFound("window not found: " + pointID)
	}
	point, ok := rowToPoint(rows[0])
	if !ok {
		return apperrors.NewSchemaMismatch("stored window row has unexpected shape")
	}
	point.Window.Label = label
	return s.Upsert(ctx, pointID, point.Window)
}

// Ping 探活: 执行一次必然为空的查询
func (s *LanceDBStore) Ping(ctx context.Context) error {
	if _, err := s.table.SelectWithFilter(ctx, "id = ''"); err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransient, "LanceDB ping failed")
	}
	return nil
}

// Close releases LanceDB resources.
func (s *LanceDBStore) Close() error {
	if s.table != nil {
		s.table.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// ============ internal helpers ============

func (s *LanceDBStore) windowToRecord(pointID string, w entity.Window) (arrow.Record, error) {
	pool := arrowmem.NewGoAllocator()

	idB := array.NewStringBuilder(pool)
	idB.Append(pointID)
	idArr := idB.NewArray()
	defer idArr.Release()

	sessionB := array.NewStringBuilder(pool)
	sessionB.Append(w.SessionID)
	sessionArr := sessionB.NewArray()
	defer sessionArr.Release()

	labelB := array.NewStringBuilder(pool)
	labelB.Append(string(w.Label))
	labelArr := labelB.NewArray()
	defer labelArr.Release()

	startB := array.NewInt64Builder(pool)
	startB.Append(w.StartTime.UnixMilli())
	startArr := startB.NewArray()
	defer startArr.Release()

	endB := array.NewInt64Builder(pool)
	endB.Append(w.EndTime.UnixMilli())
	endArr := endB.NewArray()
	defer endArr.Release()

	footB := array.NewInt64Builder(pool)
	footB.Append(int64(w.FootCount))
	footArr := footB.NewArray()
	defer footArr.Release()

	accelB := array.NewInt64Builder(pool)
	accelB.Append(int64(w.AccelCount))
	accelArr := accelB.NewArray()
	defer accelArr.Release()

	vectorArr, err := buildVectorArray(pool, w.Vector)
	if err != nil {
		return nil, err
	}
	defer vectorArr.Release()

	createdB := array.NewInt64Builder(pool)
	createdB.Append(time.Now().Unix())
	createdArr := createdB.NewArray()
	defer createdArr.Release()

	cols := []arrow.Array{idArr, sessionArr, labelArr, startArr, endArr, footArr, accelArr, vectorArr, createdArr}
	return array.NewRecord(s.schema, cols, 1), nil
}

func buildVectorArray(pool arrowmem.Allocator, vec []float32) (arrow.Array, error) {
	if len(vec) != entity.VectorDim {
		return nil, apperrors.NewSchemaMismatch(
			fmt.Sprintf("vector dimension mismatch: expected %d, got %d", entity.VectorDim, len(vec)))
	}

	floatB := array.NewFloat32Builder(pool)
	floatB.AppendValues(vec, nil)
	floatArr := floatB.NewArray()
	defer floatArr.Release()

	listType := arrow.FixedSizeListOf(int32(entity.VectorDim), arrow.PrimitiveTypes.Float32)
	listData := array.NewData(listType, 1, []*arrowmem.Buffer{nil},
		[]arrow.ArrayData{floatArr.Data()}, 0, 0)
	return array.NewFixedSizeListData(listData), nil
}

func idExpr(pointID string) string {
	return fmt.Sprintf("id = '%s'", strings.ReplaceAll(pointID, "'", ""))
}

func filterExpr(filter repository.WindowFilter) string {
	var parts []string
	if filter.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session_id = '%s'", strings.ReplaceAll(filter.SessionID, "'", "")))
	}
	if filter.Label != "" {
		parts = append(parts, fmt.Sprintf("label = '%s'", strings.ReplaceAll(string(filter.Label), "'", "")))
	}
	return strings.Join(parts, " AND ")
}

func rowsToPoints(rows []map[string]interface{}) []repository.WindowPoint {
	points := make([]repository.WindowPoint, 0, len(rows))
	for _, row := range rows {
		if p, ok := rowToPoint(row); ok {
			points = append(points, p)
		}
	}
	return points
}

func sortPoints(points []repository.WindowPoint) {
	sort.Slice(points, func(i, j int) bool {
		a, b := points[i].Window, points[j].Window
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return points[i].ID < points[j].ID
	})
}

func rowToPoint(row map[string]interface{}) (repository.WindowPoint, bool) {
	var p repository.WindowPoint

	id, ok := row["id"].(string)
	if !ok || id == "" {
		return p, false
	}
	p.ID = id

	if v, ok := row["session_id"].(string); ok {
		p.Window.SessionID = v
	}
	if v, ok := row["label"].(string); ok {
		p.Window.Label = entity.ActivityType(v)
	}
	if v, ok := toInt64(row["start_time_ms"]); ok {
		p.Window.StartTime = time.UnixMilli(v).UTC()
	}
	if v, ok := toInt64(row["end_time_ms"]); ok {
		p.Window.EndTime = time.UnixMilli(v).UTC()
	}
	if v, ok := toInt64(row["foot_count"]); ok {
		p.Window.FootCount = int(v)
	}
	if v, ok := toInt64(row["accel_count"]); ok {
		p.Window.AccelCount = int(v)
	}
	if vec, ok := rowVector(row); ok {
		p.Window.Vector = vec
	}
	// LanceDB returns _distance for vector search results
	if v, ok := toFloat32(row["_distance"]); ok {
		p.Score = 1.0 / (1.0 + v) // L2 distance -> (0,1] similarity
	}
	return p, true
}

func rowVector(row map[string]interface{}) ([]float32, bool) {
	switch vec := row["vector"].(type) {
	case []float32:
		return vec, true
	case []interface{}:
		out := make([]float32, 0, len(vec))
		for _, v := range vec {
			f, ok := toFloat32(v)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func toFloat32(v interface{}) (float32, bool) {
	switch n := v.(type) {
	case float32:
		return n, true
	case float64:
		return float32(n), true
	}
	return 0, false
}

func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
