package hardware

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestMovementRequestWire(t *testing.T) {
	t.Parallel()

	req := movementRequest{Movements: []string{"tilt_left", "tilt_right"}}
	data := req.marshalWire()

	var got []string
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(data)
			got = append(got, v)
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		t.Fatalf("walkFields: %v", err)
	}
	if len(got) != 2 || got[0] != "tilt_left" || got[1] != "tilt_right" {
		t.Errorf("decoded movements = %v", got)
	}
}

func TestCommandResponseWire(t *testing.T) {
	t.Parallel()

	var data []byte
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendString(data, "done")

	var resp commandResponse
	if err := resp.unmarshalWire(data); err != nil {
		t.Fatalf("unmarshalWire: %v", err)
	}
	if !resp.OK || resp.Detail != "done" {
		t.Errorf("resp = %+v, want OK with detail done", resp)
	}
}

func TestCommandResponseSkipsUnknownFields(t *testing.T) {
	t.Parallel()

	// A newer daemon may append fields this client does not know about.
	var data []byte
	data = protowire.AppendTag(data, 9, protowire.BytesType)
	data = protowire.AppendString(data, "future field")
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)

	var resp commandResponse
	if err := resp.unmarshalWire(data); err != nil {
		t.Fatalf("unmarshalWire with unknown field: %v", err)
	}
	if !resp.OK {
		t.Error("known field after unknown field was not decoded")
	}
}

func TestCaptureRoundTrip(t *testing.T) {
	t.Parallel()

	req := captureRequest{Width: 640, Height: 480, Quality: 80}
	data := req.marshalWire()

	fields := map[protowire.Number]uint64{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			fields[num] = v
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		t.Fatalf("walkFields: %v", err)
	}
	if fields[1] != 640 || fields[2] != 480 || fields[3] != 80 {
		t.Errorf("encoded capture request fields = %v", fields)
	}

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	var respData []byte
	respData = protowire.AppendTag(respData, 1, protowire.BytesType)
	respData = protowire.AppendBytes(respData, jpeg)
	respData = protowire.AppendTag(respData, 2, protowire.VarintType)
	respData = protowire.AppendVarint(respData, 640)
	respData = protowire.AppendTag(respData, 3, protowire.VarintType)
	respData = protowire.AppendVarint(respData, 480)

	var resp captureResponse
	if err := resp.unmarshalWire(respData); err != nil {
		t.Fatalf("unmarshalWire: %v", err)
	}
	if !bytes.Equal(resp.JPEG, jpeg) || resp.Width != 640 || resp.Height != 480 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStatusResponseWire(t *testing.T) {
	t.Parallel()

	var data []byte
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)
	data = protowire.AppendTag(data, 2, protowire.VarintType)
	data = protowire.AppendVarint(data, 87)
	data = protowire.AppendTag(data, 3, protowire.BytesType)
	data = protowire.AppendString(data, "happy")
	data = protowire.AppendTag(data, 4, protowire.BytesType)
	data = protowire.AppendString(data, "idle")

	var resp statusResponse
	if err := resp.unmarshalWire(data); err != nil {
		t.Fatalf("unmarshalWire: %v", err)
	}
	if !resp.Connected || resp.BatteryPercent != 87 || resp.Emotion != "happy" || resp.EyeState != "idle" || resp.Moving {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWireCodecRejectsForeignTypes(t *testing.T) {
	t.Parallel()

	var c wireCodec
	if _, err := c.Marshal("not a message"); err == nil {
		t.Error("Marshal should reject non-wire types")
	}
	if err := c.Unmarshal(nil, "not a message"); err == nil {
		t.Error("Unmarshal should reject non-wire types")
	}
	if c.Name() != "proto" {
		t.Errorf("Name() = %q, want proto", c.Name())
	}
}

func TestWireCodecMarshalsRequests(t *testing.T) {
	t.Parallel()

	var c wireCodec
	data, err := c.Marshal(emotionRequest{Name: "happy"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	v, n := protowire.ConsumeString(data[protowire.SizeTag(1):])
	if n < 0 || v != "happy" {
		t.Errorf("decoded emotion = %q (n=%d)", v, n)
	}
}
