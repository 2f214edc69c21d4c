package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fixed vector layout. A window holds the first 5 readings per foot (18
// values each) followed by 10 accelerometer readings split into acc, gyro
// and angle blocks. Missing slots stay zero. Tests pin these offsets; do
// not reorder.
const (
	WindowDuration = 500 * time.Millisecond
	VectorDim      = 270

	FootSlots  = 5
	AccelSlots = 10

	LeftFootOffset  = 0
	RightFootOffset = 90
	AccOffset       = 180
	GyroOffset      = 210
	AngleOffset     = 240
)

// windowNamespace 窗口点位 ID 的 UUIDv5 命名空间 (固定, 保证重放幂等)
var windowNamespace = uuid.MustParse("9f2c1c9e-5b2a-4c47-9a7d-3d8f6f1e0b42")

// Window 一个 500ms 桶物化出的定长向量
type Window struct {
	SessionID  string       `json:"session_id"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	Vector     []float32    `json:"vector"`
	FootCount  int          `json:"foot_count"`
	AccelCount int          `json:"accel_count"`
	Label      ActivityType `json:"label,omitempty"`
}

// PointID derives the stable vector-store point id for a window. The same
// (session, bucket start) always maps to the same id, so re-running the
// engine over the same stream upserts rather than duplicates.
func PointID(sessionID string, bucketStart time.Time) string {
	key := fmt.Sprintf("%s:%d", sessionID, bucketStart.UnixMilli())
	return uuid.NewSHA1(windowNamespace, []byte(key)).String()
}

// BucketStart 计算时间戳所属桶的起点 (floor 语义: 恰好落在边界的读数归入后一个桶)
func BucketStart(sessionStart, t time.Time) time.Time {
	offset := t.Sub(sessionStart)
	return sessionStart.Add(offset / WindowDuration * WindowDuration)
}
