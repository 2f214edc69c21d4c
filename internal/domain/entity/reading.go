package entity

import (
	"time"
)

// Device 传感器设备类型
type Device string

const (
	DeviceLeftFoot      Device = "LEFT_FOOT"
	DeviceRightFoot     Device = "RIGHT_FOOT"
	DeviceAccelerometer Device = "ACCELEROMETER"
)

// IsFoot 判断是否为足压传感器
func (d Device) IsFoot() bool {
	return d == DeviceLeftFoot || d == DeviceRightFoot
}

// Foot 返回足压侧标识 ("LEFT"/"RIGHT"), 非足压设备返回空串
func (d Device) Foot() string {
	switch d {
	case DeviceLeftFoot:
		return "LEFT"
	case DeviceRightFoot:
		return "RIGHT"
	}
	return ""
}

// The insole reports a 6x4 grid of 24 pads, six of which are unpopulated on
// the current hardware revision. Readings carry only the 18 populated pads,
// in ascending raw-index order.
const (
	GridSlots     = 24
	FootValueLen  = 18
	AccelValueLen = 9
)

// ExcludedPads 硬件上未布点的压力格索引
var ExcludedPads = [...]int{8, 12, 16, 19, 20, 23}

// ActivePadIndices returns the 18 populated raw grid indices in order.
func ActivePadIndices() []int {
	excluded := make(map[int]bool, len(ExcludedPads))
	for _, i := range ExcludedPads {
		excluded[i] = true
	}
	indices := make([]int, 0, FootValueLen)
	for i := 0; i < GridSlots; i++ {
		if !excluded[i] {
			indices = append(indices, i)
		}
	}
	return indices
}

// Reading 单条传感器观测
type Reading interface {
	ReadingDevice() Device
	ReadingTimestamp() time.Time
}

// FootReading 足压读数 (18 个有效压力值 + 派生聚合)
type FootReading struct {
	Timestamp   time.Time `json:"timestamp"`
	Device      Device    `json:"device"`
	Values      []float64 `json:"values"`
	Max         float64   `json:"max"`
	Avg         float64   `json:"avg"`
	ActiveCount int       `json:"active_count"`
}

// ReadingDevice 实现 Reading 接口
func (r *FootReading) ReadingDevice() Device { return r.Device }

// ReadingTimestamp 实现 Reading 接口
func (r *FootReading) ReadingTimestamp() time.Time { return r.Timestamp }

// Vec3 三轴分量
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Orientation 姿态角
type Orientation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// AccelReading 九轴 IMU 读数: 加速度 (±16 g)、角速度 (±2000 °/s)、姿态角 (±180°)
type AccelReading struct {
	Timestamp time.Time   `json:"timestamp"`
	Device    Device      `json:"device"`
	Acc       Vec3        `json:"acc"`
	Gyro      Vec3        `json:"gyro"`
	Angle     Orientation `json:"angle"`
}

// ReadingDevice 实现 Reading 接口
func (r *AccelReading) ReadingDevice() Device { return r.Device }

// ReadingTimestamp 实现 Reading 接口
func (r *AccelReading) ReadingTimestamp() time.Time { return r.Timestamp }

// TimestampLayout 边端时间戳格式 (ISO-8601, 微秒精度)
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTimestamp 按线上约定格式化时间戳
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp 解析线上时间戳
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
