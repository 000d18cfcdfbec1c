package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/link"
)

// MeasurementEntityState is the measurement all entity telemetry goes to.
const MeasurementEntityState = "entity_state"

var _ link.Telemetry = (*Client)(nil)

// WriteEntityState records the numeric sub-fields of one state update.
//
// Tags: device, entity (unique id), type, and device_class and unit when
// set. Each sub-field becomes a field of the same name.
//
// Example:
//
//	client.WriteEntityState("porch", entity, map[string]float64{"state": 21.5})
func (c *Client) WriteEntityState(deviceName string, e *device.Entity, fields map[string]float64) {
	if e == nil || len(fields) == 0 || !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(entityPoint(deviceName, e, fields, c.now()))
}

func entityPoint(deviceName string, e *device.Entity, fields map[string]float64, ts time.Time) *write.Point {
	tags := map[string]string{
		"device": deviceName,
		"entity": e.UniqueID,
		"type":   string(e.Type),
	}
	if e.DeviceClass != "" {
		tags["device_class"] = e.DeviceClass
	}
	if e.Unit != "" {
		tags["unit"] = e.Unit
	}

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return write.NewPoint(MeasurementEntityState, tags, values, ts)
}
