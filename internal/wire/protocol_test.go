package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pyrolink/pyrolink/internal/domain/entity"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

var wireTS = time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC)

func sampleFoot() *entity.FootReading {
	values := make([]float64, entity.FootValueLen)
	values[0] = 12.5
	values[17] = 3.0
	return &entity.FootReading{
		Timestamp:   wireTS,
		Device:      entity.DeviceLeftFoot,
		Values:      values,
		Max:         12.5,
		Avg:         0.861,
		ActiveCount: 2,
	}
}

func sampleAccel() *entity.AccelReading {
	return &entity.AccelReading{
		Timestamp: wireTS,
		Device:    entity.DeviceAccelerometer,
		Acc:       entity.Vec3{X: 0.012, Y: -0.98, Z: 0.164},
		Gyro:      entity.Vec3{X: 1.22, Y: -0.61, Z: 0.0},
		Angle:     entity.Orientation{Roll: -1.15, Pitch: 2.68, Yaw: 178.93},
	}
}

// --- Test: reading → payload → reading ---

func TestFootPressure_RoundTrip(t *testing.T) {
	in := sampleFoot()

	event, payload, err := FromReading(in)
	if err != nil {
		t.Fatalf("FromReading: %v", err)
	}
	if event != EventFootPressure {
		t.Errorf("event = %s, want %s", event, EventFootPressure)
	}

	p := payload.(FootPressure)
	if p.Data.Foot != "LEFT" {
		t.Errorf("foot = %s, want LEFT", p.Data.Foot)
	}

	out, err := p.ToFootReading()
	if err != nil {
		t.Fatalf("ToFootReading: %v", err)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if out.Device != in.Device || out.Max != in.Max || out.ActiveCount != in.ActiveCount {
		t.Errorf("round trip lost fields: %+v", out)
	}
	if len(out.Values) != entity.FootValueLen || out.Values[0] != 12.5 {
		t.Errorf("values corrupted: %v", out.Values)
	}
}

func TestAccelerometer_RoundTrip(t *testing.T) {
	in := sampleAccel()

	event, payload, err := FromReading(in)
	if err != nil {
		t.Fatalf("FromReading: %v", err)
	}
	if event != EventAccelerometer {
		t.Errorf("event = %s, want %s", event, EventAccelerometer)
	}

	out, err := payload.(Accelerometer).ToAccelReading()
	if err != nil {
		t.Fatalf("ToAccelReading: %v", err)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if out.Acc != in.Acc || out.Gyro != in.Gyro || out.Angle != in.Angle {
		t.Errorf("round trip lost axes: %+v", out)
	}
}

// --- Test: envelope framing ---

func TestEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventAuthenticate, AuthRequest{DeviceKey: "key-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Event != EventAuthenticate {
		t.Errorf("event = %s, want %s", decoded.Event, EventAuthenticate)
	}

	var req AuthRequest
	if err := json.Unmarshal(decoded.Data, &req); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if req.DeviceKey != "key-1" {
		t.Errorf("device_key = %s, want key-1", req.DeviceKey)
	}
}

// --- Test: payload validation ---

func TestToFootReading_Validation(t *testing.T) {
	good := FromFootReading(sampleFoot())

	wrongDevice := good
	wrongDevice.Device = string(entity.DeviceAccelerometer)
	if _, err := wrongDevice.ToFootReading(); !apperrors.IsMalformedFrame(err) {
		t.Errorf("wrong device: got %v, want MALFORMED_FRAME", err)
	}

	badTS := good
	badTS.Timestamp = "yesterday"
	if _, err := badTS.ToFootReading(); !apperrors.IsMalformedFrame(err) {
		t.Errorf("bad timestamp: got %v, want MALFORMED_FRAME", err)
	}

	shortValues := good
	shortValues.Data.Values = []float64{1, 2, 3}
	if _, err := shortValues.ToFootReading(); !apperrors.IsMalformedFrame(err) {
		t.Errorf("short values: got %v, want MALFORMED_FRAME", err)
	}
}

func TestToAccelReading_Validation(t *testing.T) {
	good := FromAccelReading(sampleAccel())

	wrongDevice := good
	wrongDevice.Device = string(entity.DeviceLeftFoot)
	if _, err := wrongDevice.ToAccelReading(); !apperrors.IsMalformedFrame(err) {
		t.Errorf("wrong device: got %v, want MALFORMED_FRAME", err)
	}

	badTS := good
	badTS.Timestamp = ""
	if _, err := badTS.ToAccelReading(); !apperrors.IsMalformedFrame(err) {
		t.Errorf("empty timestamp: got %v, want MALFORMED_FRAME", err)
	}
}
