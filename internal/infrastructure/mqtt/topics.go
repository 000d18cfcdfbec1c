package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots.
//
// Gateway topics use the flat scheme graylogic/{category}/{protocol}/{id}.
// Host objects are mirrored under graylogic/core/object.
const (
	TopicPrefixGateway = "graylogic"
	TopicPrefixCore    = "graylogic/core"
	TopicPrefixSystem  = "graylogic/system"
)

// Topics builds hub MQTT topics.
//
//	t := mqtt.Topics{}
//	t.GatewayRequest("esphome", "porch")  // graylogic/request/esphome/porch
//	t.CoreObjectSet("Porch", "Light")     // graylogic/core/object/Porch/Light/set
type Topics struct{}

// GatewayRequest is where requests for one device are sent to the protocol
// gateway.
//
// Example: graylogic/request/esphome/porch
func (Topics) GatewayRequest(protocol, deviceName string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefixGateway, protocol, deviceName)
}

// GatewayResponse carries the gateway's reply to one request.
//
// Example: graylogic/response/esphome/4b7c0e9a-...
func (Topics) GatewayResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefixGateway, protocol, requestID)
}

// GatewayCommand carries fire-and-forget entity commands.
//
// Example: graylogic/command/esphome/porch
func (Topics) GatewayCommand(protocol, deviceName string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixGateway, protocol, deviceName)
}

// GatewayState carries entity state pushes from a device.
//
// Example: graylogic/state/esphome/porch
func (Topics) GatewayState(protocol, deviceName string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixGateway, protocol, deviceName)
}

// GatewayEvent carries external-state subscriptions and service calls.
//
// Example: graylogic/event/esphome/porch
func (Topics) GatewayEvent(protocol, deviceName string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefixGateway, protocol, deviceName)
}

// GatewayHealth carries the gateway's view of one device connection.
//
// Example: graylogic/health/esphome/porch
func (Topics) GatewayHealth(protocol, deviceName string) string {
	return fmt.Sprintf("%s/health/%s/%s", TopicPrefixGateway, protocol, deviceName)
}

// AllGatewayResponses matches every response for a protocol.
//
// Pattern: graylogic/response/esphome/+
func (Topics) AllGatewayResponses(protocol string) string {
	return fmt.Sprintf("%s/response/%s/+", TopicPrefixGateway, protocol)
}

// CoreObjectProperty is the retained mirror of one host property.
//
// Example: graylogic/core/object/Porch/Light
func (Topics) CoreObjectProperty(object, property string) string {
	return fmt.Sprintf("%s/object/%s/%s", TopicPrefixCore, object, property)
}

// CoreObjectSet is where other services write a host property.
//
// Example: graylogic/core/object/Porch/Light/set
func (Topics) CoreObjectSet(object, property string) string {
	return fmt.Sprintf("%s/object/%s/%s/set", TopicPrefixCore, object, property)
}

// AllCoreObjectSets matches every host property write.
//
// Pattern: graylogic/core/object/+/+/set
func (Topics) AllCoreObjectSets() string {
	return TopicPrefixCore + "/object/+/+/set"
}

// CoreEvent carries hub events such as device status changes.
//
// Example: graylogic/core/event/device_update
func (Topics) CoreEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixCore, eventType)
}

// SystemStatus is the hub's retained online/offline status.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// ParseObjectSet extracts object and property from a CoreObjectSet topic.
func ParseObjectSet(topic string) (object, property string, ok bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixCore+"/object/")
	if !ok {
		return "", "", false
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok {
		return "", "", false
	}
	object, property, ok = strings.Cut(rest, "/")
	if !ok || object == "" || property == "" || strings.Contains(property, "/") {
		return "", "", false
	}
	return object, property, true
}
