// Package host provides the in-memory object model that ESPHome entities
// link to.
//
// Objects have named properties and methods, addressed as "Object.Member".
// They are declared in a YAML objects file and loaded at startup.
//
// Property writes carry a source. A source that has linked a property is
// told about changes to it through its LinkListener, except for changes it
// made itself. Observers see every change; the MQTT Mirror uses this to
// publish retained values on graylogic/core/object/{object}/{property} and
// applies writes from the matching .../set topics.
package host
