// Package influxdb records ESPHome entity telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Every numeric
// sub-field of an entity state update is written to the entity_state
// measurement, tagged with device, entity, type, device_class and unit.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resolver, _ := link.NewResolver(link.Options{Telemetry: client, ...})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Writes are non-blocking; batch errors reach the SetOnError callback
// wrapped in ErrWriteFailed. Connection and health check errors are
// returned directly.
package influxdb
