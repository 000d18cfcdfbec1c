// Package discovery finds ESPHome devices advertising the native API over
// mDNS. A scan runs for a fixed timeout and returns {name, host, port}
// tuples plus the TXT metadata a device publishes (mac, version, platform).
package discovery
