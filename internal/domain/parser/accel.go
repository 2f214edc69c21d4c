package parser

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// Accelerometer wire format: 20-byte frames, header 0x55 0x61, then nine
// signed little-endian int16 (acc x/y/z, gyro x/y/z, roll/pitch/yaw).
const (
	AccelFrameLen = 20

	AccelHeader0 = 0x55
	AccelHeader1 = 0x61

	accScale   = 16.0   // ±16 g
	gyroScale  = 2000.0 // ±2000 °/s
	angleScale = 180.0  // ±180°
)

// ParseAccel parses one 20-byte IMU frame. Rounding is fixed here (acc to 3
// decimals, gyro and angle to 2) so stored and re-parsed readings compare
// equal downstream.
func ParseAccel(ts time.Time, frame []byte) (*entity.AccelReading, error) {
	if len(frame) != AccelFrameLen {
		return nil, apperrors.NewMalformedFrame(
			fmt.Sprintf("accel frame is %d bytes, want %d", len(frame), AccelFrameLen))
	}
	if frame[0] != AccelHeader0 || frame[1] != AccelHeader1 {
		return nil, apperrors.NewMalformedFrame(
			fmt.Sprintf("accel frame header %02x %02x, want %02x %02x",
				frame[0], frame[1], AccelHeader0, AccelHeader1))
	}

	raw := make([]int16, entity.AccelValueLen)
	for i := range raw {
		raw[i] = int16(binary.LittleEndian.Uint16(frame[2+2*i:]))
	}

	scale := func(v int16, full float64) float64 {
		return float64(v) / 32768.0 * full
	}

	return &entity.AccelReading{
		Timestamp: ts.UTC(),
		Device:    entity.DeviceAccelerometer,
		Acc: entity.Vec3{
			X: round(scale(raw[0], accScale), 3),
			Y: round(scale(raw[1], accScale), 3),
			Z: round(scale(raw[2], accScale), 3),
		},
		Gyro: entity.Vec3{
			X: round(scale(raw[3], gyroScale), 2),
			Y: round(scale(raw[4], gyroScale), 2),
			Z: round(scale(raw[5], gyroScale), 2),
		},
		Angle: entity.Orientation{
			Roll:  round(scale(raw[6], angleScale), 2),
			Pitch: round(scale(raw[7], angleScale), 2),
			Yaw:   round(scale(raw[8], angleScale), 2),
		},
	}, nil
}

func round(v float64, decimals int) float64 {
	pow := math.Pow10(decimals)
	return math.Round(v*pow) / pow
}
