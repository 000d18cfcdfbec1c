package device

// LightCommand is an outbound light change. Nil fields are left as they are
// on the device.
type LightCommand struct {
	State bool
	// Brightness is 0.0-1.0.
	Brightness *float64
	// RGB components are each 0.0-1.0.
	RGB *[3]float64
}

// CoverCommand is an outbound cover change: either a target position
// (0.0 closed, 1.0 open) or a stop.
type CoverCommand struct {
	Position *float64
	Stop     bool
}

// Commander dispatches typed commands to one connected device. Each method
// returns false without sending when the device is not connected; true means
// dispatched, not applied.
type Commander interface {
	SetSwitch(key uint32, on bool) bool
	SetNumber(key uint32, value float64) bool
	SetText(key uint32, value string) bool
	SetLight(key uint32, cmd LightCommand) bool
	SetCover(key uint32, cmd CoverCommand) bool
	// SendExternalState pushes automation-side state to a device that
	// subscribed to it. An empty attribute means the primary state.
	SendExternalState(entityID, attribute, value string) bool
}
