// Package wire defines the edge-to-server message contract. Both the
// broadcast client and the server ingest handler compile against these
// types, so a schema change breaks at build time instead of on the radio
// mast.
package wire

import (
	"encoding/json"
	"time"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// 事件名 (namespace /iot)
const (
	EventAuthenticate  = "authenticate"
	EventAuthSuccess   = "auth_success"
	EventAuthError     = "auth_error"
	EventFootPressure  = "foot_pressure_data"
	EventAccelerometer = "accelerometer_data"
)

// Envelope 消息信封
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope 打包消息
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, apperrors.Wrap(err, apperrors.CodeInternal, "failed to encode wire payload")
	}
	return Envelope{Event: event, Data: raw}, nil
}

// AuthRequest 鉴权请求载荷
type AuthRequest struct {
	DeviceKey string `json:"device_key"`
}

// AuthResult 鉴权应答载荷
type AuthResult struct {
	Message string `json:"message,omitempty"`
}

// XYZ 三轴分量
type XYZ struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// RPY 姿态角分量
type RPY struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// FootData 足压数据
type FootData struct {
	Foot        string    `json:"foot"` // LEFT | RIGHT
	Max         float64   `json:"max"`
	Avg         float64   `json:"avg"`
	ActiveCount int       `json:"active_count"`
	Values      []float64 `json:"values"`
}

// FootPressure foot_pressure_data 事件载荷
type FootPressure struct {
	Timestamp string   `json:"timestamp"`
	Device    string   `json:"device"`
	Data      FootData `json:"data"`
}

// AccelData 九轴数据
type AccelData struct {
	Acc   XYZ `json:"acc"`
	Gyro  XYZ `json:"gyro"`
	Angle RPY `json:"angle"`
}

// Accelerometer accelerometer_data 事件载荷
type Accelerometer struct {
	Timestamp string    `json:"timestamp"`
	Device    string    `json:"device"`
	Data      AccelData `json:"data"`
}

// FromReading 将读数编码为对应的事件载荷
func FromReading(r entity.Reading) (event string, payload any, err error) {
	switch v := r.(type) {
	case *entity.FootReading:
		return EventFootPressure, FromFootReading(v), nil
	case *entity.AccelReading:
		return EventAccelerometer, FromAccelReading(v), nil
	default:
		return "", nil, apperrors.NewInternal("unknown reading type")
	}
}

// FromFootReading 足压读数 → 载荷
func FromFootReading(r *entity.FootReading) FootPressure {
	return FootPressure{
		Timestamp: entity.FormatTimestamp(r.Timestamp),
		Device:    string(r.Device),
		Data: FootData{
			Foot:        r.Device.Foot(),
			Max:         r.Max,
			Avg:         r.Avg,
			ActiveCount: r.ActiveCount,
			Values:      r.Values,
		},
	}
}

// FromAccelReading 九轴读数 → 载荷
func FromAccelReading(r *entity.AccelReading) Accelerometer {
	return Accelerometer{
		Timestamp: entity.FormatTimestamp(r.Timestamp),
		Device:    string(r.Device),
		Data: AccelData{
			Acc:   XYZ{X: r.Acc.X, Y: r.Acc.Y, Z: r.Acc.Z},
			Gyro:  XYZ{X: r.Gyro.X, Y: r.Gyro.Y, Z: r.Gyro.Z},
			Angle: RPY{Roll: r.Angle.Roll, Pitch: r.Angle.Pitch, Yaw: r.Angle.Yaw},
		},
	}
}

// ToFootReading 载荷 → 足压读数. 校验设备名, 时间戳和取值个数.
func (p FootPressure) ToFootReading() (*entity.FootReading, error) {
	device := entity.Device(p.Device)
	if !device.IsFoot() {
		return nil, apperrors.NewMalformedFrame("unexpected foot device: " + p.Device)
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, err
	}
	if len(p.Data.Values) != entity.FootValueLen {
		return nil, apperrors.NewMalformedFrame("unexpected foot value count")
	}
	return &entity.FootReading{
		Timestamp:   ts,
		Device:      device,
		Values:      p.Data.Values,
		Max:         p.Data.Max,
		Avg:         p.Data.Avg,
		ActiveCount: p.Data.ActiveCount,
	}, nil
}

// ToAccelReading 载荷 → 九轴读数
func (p Accelerometer) ToAccelReading() (*entity.AccelReading, error) {
	if entity.Device(p.Device) != entity.DeviceAccelerometer {
		return nil, apperrors.NewMalformedFrame("unexpected accel device: " + p.Device)
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, err
	}
	return &entity.AccelReading{
		Timestamp: ts,
		Device:    entity.DeviceAccelerometer,
		Acc:       entity.Vec3{X: p.Data.Acc.X, Y: p.Data.Acc.Y, Z: p.Data.Acc.Z},
		Gyro:      entity.Vec3{X: p.Data.Gyro.X, Y: p.Data.Gyro.Y, Z: p.Data.Gyro.Z},
		Angle:     entity.Orientation{Roll: p.Data.Angle.Roll, Pitch: p.Data.Angle.Pitch, Yaw: p.Data.Angle.Yaw},
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	ts, err := entity.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, apperrors.NewMalformedFrame("bad timestamp: " + s)
	}
	return ts, nil
}
