// Package link resolves entity links between ESPHome entities and host
// automation objects.
//
// A link maps one state sub-field of an entity ("state", "brightness",
// "rgb", or an external attribute) to a reference "Object.Member" on the
// host. References are resolved on every use, never cached.
//
// Forward direction: a state push is rounded to the entity's precision,
// stored, and each changed linked sub-field either updates a host property
// or calls a host method with {value, new_value, old_value, title}.
//
// Reverse direction: a host property change is turned into a typed device
// command for every enabled entity linked to it. A property no entity
// links to any more is released on the host.
package link
