package native

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
)

// Message type IDs from the ESPHome api.proto.
const (
	msgHelloRequest      = 1
	msgHelloResponse     = 2
	msgConnectRequest    = 3
	msgConnectResponse   = 4
	msgDisconnectRequest = 5
	msgDisconnectReply   = 6
	msgPingRequest       = 7
	msgPingResponse      = 8
	msgDeviceInfoRequest = 9
	msgDeviceInfoReply   = 10
	msgListEntities      = 11
	msgListEntitiesDone  = 19
	msgSubscribeStates   = 20

	msgBinarySensorState = 21
	msgCoverState        = 22
	msgLightState        = 24
	msgSensorState       = 25
	msgSwitchState       = 26
	msgTextSensorState   = 27
	msgNumberState       = 50
	msgTextState         = 98

	msgCoverCommand  = 30
	msgLightCommand  = 32
	msgSwitchCommand = 33
	msgNumberCommand = 51
	msgTextCommand   = 99

	msgSubscribeServices       = 34
	msgServiceCall             = 35
	msgGetTimeRequest          = 36
	msgGetTimeResponse         = 37
	msgSubscribeHAStates       = 38
	msgSubscribeHAState        = 39
	msgHomeAssistantStateReply = 40
)

// apiVersion is the protocol version announced in the hello.
const (
	apiVersionMajor = 1
	apiVersionMinor = 10
)

// entityLayout locates the descriptor fields of one ListEntities response.
// Every response carries object_id=1, key=2 (fixed32) and name=3. Zero
// means the message has no such field.
type entityLayout struct {
	typ         device.EntityType
	icon        protowire.Number
	unit        protowire.Number
	deviceClass protowire.Number
	accuracy    protowire.Number
}

var entityLayouts = map[uint32]entityLayout{
	12: {typ: device.EntityTypeBinarySensor, icon: 8, deviceClass: 5},
	13: {typ: device.EntityTypeCover, icon: 10, deviceClass: 8},
	15: {typ: device.EntityTypeLight},
	16: {typ: device.EntityTypeSensor, icon: 5, unit: 6, accuracy: 7, deviceClass: 9},
	17: {typ: device.EntityTypeSwitch, icon: 5, deviceClass: 9},
	18: {typ: device.EntityTypeTextSensor, icon: 5, deviceClass: 8},
	49: {typ: device.EntityTypeNumber, icon: 5, unit: 11, deviceClass: 13},
	97: {typ: device.EntityTypeText, icon: 5},
}

func isListReply(typ uint32) bool {
	_, ok := entityLayouts[typ]
	return ok || typ == msgListEntitiesDone
}

// encoder appends protobuf fields, skipping proto3 zero values.
type encoder struct {
	b []byte
}

func (e *encoder) str(num protowire.Number, s string) *encoder {
	if s != "" {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, s)
	}
	return e
}

func (e *encoder) varint(num protowire.Number, v uint64) *encoder {
	if v != 0 {
		e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, v)
	}
	return e
}

func (e *encoder) boolean(num protowire.Number, v bool) *encoder {
	if v {
		e.varint(num, 1)
	}
	return e
}

func (e *encoder) fixed32(num protowire.Number, v uint32) *encoder {
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed32Type)
	e.b = protowire.AppendFixed32(e.b, v)
	return e
}

func (e *encoder) float(num protowire.Number, v float64) *encoder {
	return e.fixed32(num, math.Float32bits(float32(v)))
}

func (e *encoder) message(num protowire.Number, sub []byte) *encoder {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub)
	return e
}

type rawField struct {
	typ   protowire.Type
	value uint64
	bytes []byte
}

// fields is a decoded message. Scalars read the last occurrence.
type fields map[protowire.Number][]rawField

func parseFields(b []byte) (fields, error) {
	out := fields{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]

		f := rawField{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.value = uint64(v)
		case protowire.Fixed64Type:
			f.value, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(n))
		}
		b = b[n:]
		out[num] = append(out[num], f)
	}
	return out, nil
}

func (f fields) last(num protowire.Number) (rawField, bool) {
	vs := f[num]
	if len(vs) == 0 {
		return rawField{}, false
	}
	return vs[len(vs)-1], true
}

func (f fields) str(num protowire.Number) string {
	v, _ := f.last(num)
	return string(v.bytes)
}

func (f fields) varint(num protowire.Number) uint64 {
	v, _ := f.last(num)
	return v.value
}

func (f fields) boolean(num protowire.Number) bool {
	return f.varint(num) != 0
}

func (f fields) float(num protowire.Number) float64 {
	return float64(math.Float32frombits(uint32(f.varint(num))))
}

func (f fields) signed(num protowire.Number) (int, bool) {
	v, ok := f.last(num)
	if !ok {
		return 0, false
	}
	return int(int32(v.value)), true //nolint:gosec // proto int32 wire form
}

func (f fields) messages(num protowire.Number) [][]byte {
	var out [][]byte
	for _, v := range f[num] {
		if v.typ == protowire.BytesType {
			out = append(out, v.bytes)
		}
	}
	return out
}

func helloRequest(clientInfo string) []byte {
	e := &encoder{}
	return e.str(1, clientInfo).varint(2, apiVersionMajor).varint(3, apiVersionMinor).b
}

func connectRequest(password string) []byte {
	return (&encoder{}).str(1, password).b
}

func decodeDeviceInfo(f fields) esphome.DeviceInfo {
	return esphome.DeviceInfo{
		Name:            f.str(2),
		MACAddress:      f.str(3),
		FirmwareVersion: f.str(4),
		CompilationTime: f.str(5),
		Model:           f.str(6),
		HasDeepSleep:    f.boolean(7),
		FriendlyName:    f.str(13),
	}
}

// decodeEntity turns a ListEntities response into a descriptor. The object
// ID is the stable identity; keys may change across firmware builds.
func decodeEntity(typ uint32, f fields) (device.Discovered, bool) {
	layout, ok := entityLayouts[typ]
	if !ok {
		return device.Discovered{}, false
	}
	d := device.Discovered{
		UniqueID: f.str(1),
		Key:      uint32(f.varint(2)),
		Name:     f.str(3),
		Type:     layout.typ,
	}
	if layout.icon != 0 {
		d.Icon = f.str(layout.icon)
	}
	if layout.unit != 0 {
		d.Unit = f.str(layout.unit)
	}
	if layout.deviceClass != 0 {
		d.DeviceClass = f.str(layout.deviceClass)
	}
	if layout.accuracy != 0 {
		if n, ok := f.signed(layout.accuracy); ok {
			d.AccuracyDecimals = &n
		} else {
			zero := 0
			d.AccuracyDecimals = &zero
		}
	}
	return d, true
}

// decodeState turns a state push into the raw field map sessions decode.
func decodeState(typ uint32, f fields) (esphome.StateEvent, bool) {
	// State messages carry the key in field 1.
	ev := esphome.StateEvent{Key: uint32(f.varint(1))}

	switch typ {
	case msgSensorState, msgNumberState:
		ev.Fields = map[string]any{"state": f.float(2), "missing_state": f.boolean(3)}
	case msgBinarySensorState:
		ev.Fields = map[string]any{"state": f.boolean(2), "missing_state": f.boolean(3)}
	case msgSwitchState:
		ev.Fields = map[string]any{"state": f.boolean(2)}
	case msgTextSensorState, msgTextState:
		ev.Fields = map[string]any{"state": f.str(2), "missing_state": f.boolean(3)}
	case msgLightState:
		ev.Fields = map[string]any{
			"state":      f.boolean(2),
			"brightness": f.float(3),
			"red":        f.float(4),
			"green":      f.float(5),
			"blue":       f.float(6),
			"effect":     f.str(9),
		}
	case msgCoverState:
		ev.Fields = map[string]any{
			"position":          f.float(3),
			"tilt":              f.float(4),
			"current_operation": f.varint(5),
		}
	default:
		return esphome.StateEvent{}, false
	}
	return ev, true
}

func decodeServiceCall(f fields) (esphome.ServiceCall, error) {
	call := esphome.ServiceCall{Service: f.str(1), IsEvent: f.boolean(5)}
	for _, raw := range f.messages(2) {
		kv, err := parseFields(raw)
		if err != nil {
			return esphome.ServiceCall{}, err
		}
		if call.Data == nil {
			call.Data = make(map[string]any)
		}
		call.Data[kv.str(1)] = kv.str(2)
	}
	return call, nil
}

func switchCommand(key uint32, on bool) []byte {
	return (&encoder{}).fixed32(1, key).boolean(2, on).b
}

func numberCommand(key uint32, v float64) []byte {
	return (&encoder{}).fixed32(1, key).float(2, v).b
}

func textCommand(key uint32, v string) []byte {
	return (&encoder{}).fixed32(1, key).str(2, v).b
}

func lightCommand(key uint32, cmd device.LightCommand) []byte {
	e := (&encoder{}).fixed32(1, key).boolean(2, true).boolean(3, cmd.State)
	if cmd.Brightness != nil {
		e.boolean(4, true).float(5, *cmd.Brightness)
	}
	if cmd.RGB != nil {
		e.boolean(6, true).float(7, cmd.RGB[0]).float(8, cmd.RGB[1]).float(9, cmd.RGB[2])
	}
	return e.b
}

func coverCommand(key uint32, cmd device.CoverCommand) []byte {
	e := (&encoder{}).fixed32(1, key)
	if cmd.Position != nil {
		e.boolean(4, true).float(5, *cmd.Position)
	}
	return e.boolean(8, cmd.Stop).b
}

func homeAssistantState(entityID, attribute, state string) []byte {
	return (&encoder{}).str(1, entityID).str(2, state).str(3, attribute).b
}
