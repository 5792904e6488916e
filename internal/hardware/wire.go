package hardware

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The hardware daemon speaks standard proto wire format, but its schema is
// five flat messages that never change shape, so the client hand-encodes
// them with protowire instead of carrying generated stubs and a codegen
// step. The codec below plugs into grpc via ForceCodec.

// marshaler is implemented by request messages.
type marshaler interface {
	marshalWire() []byte
}

// unmarshaler is implemented by response messages.
type unmarshaler interface {
	unmarshalWire(data []byte) error
}

// wireCodec moves hand-encoded messages through grpc unchanged. Name returns
// "proto" so the daemon's standard protobuf server interoperates.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(marshaler)
	if !ok {
		return nil, fmt.Errorf("hardware codec: cannot marshal %T", v)
	}
	return m.marshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(unmarshaler)
	if !ok {
		return fmt.Errorf("hardware codec: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}

func (wireCodec) Name() string { return "proto" }

// --- requests ---

// healthRequest has no fields.
type healthRequest struct{}

func (healthRequest) marshalWire() []byte { return []byte{} }

// movementRequest carries the movement names to execute in order.
type movementRequest struct {
	Movements []string // field 1, repeated
}

func (m movementRequest) marshalWire() []byte {
	var b []byte
	for _, mv := range m.Movements {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, mv)
	}
	return b
}

// emotionRequest sets the eye emotion state.
type emotionRequest struct {
	Name string // field 1
}

func (m emotionRequest) marshalWire() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, m.Name)
}

// eyeStateRequest sets the conversational eye state (listening, thinking,
// speaking, idle).
type eyeStateRequest struct {
	State string // field 1
}

func (m eyeStateRequest) marshalWire() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, m.State)
}

// captureRequest asks for one camera frame.
type captureRequest struct {
	Width   int32 // field 1
	Height  int32 // field 2
	Quality int32 // field 3, JPEG quality 1-100
}

func (m captureRequest) marshalWire() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Width))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Height))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Quality))
	return b
}

// statusRequest has no fields.
type statusRequest struct{}

func (statusRequest) marshalWire() []byte { return []byte{} }

// --- responses ---

// healthResponse reports daemon liveness.
type healthResponse struct {
	Status string // field 1, e.g. "serving"
}

func (m *healthResponse) unmarshalWire(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(data)
			m.Status = v
			return n, nil
		}
		return -1, nil
	})
}

// commandResponse acknowledges a movement or emotion command.
type commandResponse struct {
	OK     bool   // field 1
	Detail string // field 2
}

func (m *commandResponse) unmarshalWire(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			m.OK = v != 0
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			m.Detail = v
			return n, nil
		}
		return -1, nil
	})
}

// captureResponse carries one encoded camera frame.
type captureResponse struct {
	JPEG   []byte // field 1
	Width  int32  // field 2
	Height int32  // field 3
}

func (m *captureResponse) unmarshalWire(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n >= 0 {
				m.JPEG = append([]byte(nil), v...)
			}
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			m.Width = int32(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			m.Height = int32(v)
			return n, nil
		}
		return -1, nil
	})
}

// statusResponse is the daemon's current hardware state.
type statusResponse struct {
	Connected      bool   // field 1
	BatteryPercent int32  // field 2
	Emotion        string // field 3
	EyeState       string // field 4
	Moving         bool   // field 5
}

func (m *statusResponse) unmarshalWire(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			m.Connected = v != 0
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			m.BatteryPercent = int32(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			m.Emotion = v
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			m.EyeState = v
			return n, nil
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			m.Moving = v != 0
			return n, nil
		}
		return -1, nil
	})
}

// walkFields iterates the wire fields of data. handle returns the consumed
// byte count for fields it recognises, or -1 to skip the field generically.
func walkFields(data []byte, handle func(num protowire.Number, typ protowire.Type, data []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		consumed, err := handle(num, typ, data)
		if err != nil {
			return err
		}
		if consumed < 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, data)
		}
		if consumed < 0 {
			return protowire.ParseError(consumed)
		}
		data = data[consumed:]
	}
	return nil
}
