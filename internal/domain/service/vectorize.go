package service

import (
	"github.com/pyrolink/pyrolink/internal/domain/entity"
)

// BuildVector flattens one window's readings into the fixed 270-dimension
// layout: left foot slots, right foot slots, then the acc / gyro / angle
// blocks of the accelerometer slots. Inputs must already be sorted by
// timestamp; surplus readings beyond the slot budget are ignored and missing
// slots stay zero.
func BuildVector(left, right []*entity.FootReading, accel []*entity.AccelReading) []float32 {
	vec := make([]float32, entity.VectorDim)

	fillFoot := func(offset int, readings []*entity.FootReading) {
		for slot := 0; slot < entity.FootSlots && slot < len(readings); slot++ {
			base := offset + slot*entity.FootValueLen
			for i, v := range readings[slot].Values {
				vec[base+i] = float32(v)
			}
		}
	}
	fillFoot(entity.LeftFootOffset, left)
	fillFoot(entity.RightFootOffset, right)

	for slot := 0; slot < entity.AccelSlots && slot < len(accel); slot++ {
		r := accel[slot]
		base := entity.AccOffset + slot*3
		vec[base] = float32(r.Acc.X)
		vec[base+1] = float32(r.Acc.Y)
		vec[base+2] = float32(r.Acc.Z)

		base = entity.GyroOffset + slot*3
		vec[base] = float32(r.Gyro.X)
		vec[base+1] = float32(r.Gyro.Y)
		vec[base+2] = float32(r.Gyro.Z)

		base = entity.AngleOffset + slot*3
		vec[base] = float32(r.Angle.Roll)
		vec[base+1] = float32(r.Angle.Pitch)
		vec[base+2] = float32(r.Angle.Yaw)
	}

	return vec
}
