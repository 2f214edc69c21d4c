// Package parser converts raw sensor frames into typed readings. Parsers
// are pure: no I/O, no state, and all rounding happens here exactly once.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// ParseFoot parses one complete text frame from an insole sensor. The frame
// starts with "L_" or "R_" and carries 24 comma-separated decimals (the raw
// 6x4 grid, brackets included); only the 18 populated pads survive into the
// reading. The trailing line feed may or may not still be attached.
func ParseFoot(ts time.Time, frame []byte) (*entity.FootReading, error) {
	text := strings.TrimRight(string(frame), "\r\n")

	var device entity.Device
	switch {
	case strings.HasPrefix(text, "L_"):
		device = entity.DeviceLeftFoot
	case strings.HasPrefix(text, "R_"):
		device = entity.DeviceRightFoot
	default:
		return nil, apperrors.NewMalformedFrame("foot frame must start with L_ or R_")
	}

	body := strings.NewReplacer("[", "", "]", "").Replace(text[2:])
	fields := strings.Split(body, ",")
	if len(fields) != entity.GridSlots {
		return nil, apperrors.NewMalformedFrame(
			fmt.Sprintf("foot frame has %d fields, want %d", len(fields), entity.GridSlots))
	}

	grid := make([]float64, entity.GridSlots)
	for i, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, apperrors.NewMalformedFrame(
				fmt.Sprintf("foot frame field %d is not a decimal: %q", i, field))
		}
		grid[i] = v
	}

	values := make([]float64, 0, entity.FootValueLen)
	for _, idx := range entity.ActivePadIndices() {
		values = append(values, grid[idx])
	}

	max, sum := values[0], 0.0
	active := 0
	for _, v := range values {
		if v > max {
			max = v
		}
		sum += v
		if v > 0 {
			active++
		}
	}

	return &entity.FootReading{
		Timestamp:   ts.UTC(),
		Device:      device,
		Values:      values,
		Max:         max,
		Avg:         sum / float64(len(values)),
		ActiveCount: active,
	}, nil
}
