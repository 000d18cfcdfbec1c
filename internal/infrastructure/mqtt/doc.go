// Package mqtt provides the hub's MQTT client.
//
// The broker is the hub's bus to the outside: the protocol gateway that
// speaks the ESPHome native API, and other services that read or write
// host object properties.
//
//	ESPHome Hub ↔ MQTT Broker ↔ Protocol Gateway ↔ Devices
//
// The client tracks subscriptions and restores them after paho reconnects,
// publishes a retained online status on connect, and registers a last-will
// offline status for unexpected drops.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCoreObjectSets(), 1,
//	    func(topic string, payload []byte) error {
//	        obj, prop, _ := mqtt.ParseObjectSet(topic)
//	        return registry.Set(obj, prop, payload)
//	    })
package mqtt
