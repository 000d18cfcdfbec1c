package device

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

const (
	maxNameLength      = 64
	maxHostLength      = 253
	maxLinks           = 32
	maxReferenceLen    = 256
	maxClientInfoLen   = 128
	referenceSeparator = "."
)

// devices advertise names like "living-room_sensor" over mDNS.
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.]*$`)

var validEntityTypes map[EntityType]struct{}

func init() {
	validEntityTypes = make(map[EntityType]struct{}, len(AllEntityTypes()))
	for _, t := range AllEntityTypes() {
		validEntityTypes[t] = struct{}{}
	}
}

// ValidateDevice checks a device's configuration and fills the default port.
// Returned errors wrap ErrValidation.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrValidation)
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Host = strings.TrimSpace(d.Host)

	if err := ValidateName(d.Name); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if err := ValidateAddress(d.Host, d.Port); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if len(d.ClientInfo) > maxClientInfoLen {
		return fmt.Errorf("%w: client_info exceeds %d characters", ErrValidation, maxClientInfoLen)
	}
	if d.MACAddress != "" {
		if _, err := net.ParseMAC(d.MACAddress); err != nil {
			return fmt.Errorf("%w: mac_address %q: %w", ErrValidation, d.MACAddress, err)
		}
	}
	return nil
}

// ValidateName checks a device name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidName, name)
	}
	return nil
}

// ValidateAddress checks a host and port pair.
func ValidateAddress(host string, port int) error {
	if host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidAddress)
	}
	if len(host) > maxHostLength || strings.ContainsAny(host, " /\\") {
		return fmt.Errorf("%w: host %q", ErrInvalidAddress, host)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	return nil
}

// ValidateEntityType checks t against the known entity types.
func ValidateEntityType(t EntityType) error {
	if _, ok := validEntityTypes[t]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidEntityType, t)
	}
	return nil
}

// ValidateLinks checks every reference in l. Empty references are allowed.
func ValidateLinks(l Links) error {
	if len(l) > maxLinks {
		return fmt.Errorf("%w: %w: too many links (%d)", ErrValidation, ErrInvalidLink, len(l))
	}
	for field, ref := range l {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("%w: %w: empty sub-field", ErrValidation, ErrInvalidLink)
		}
		if ref == "" {
			continue
		}
		if _, _, ok := SplitReference(ref); !ok || len(ref) > maxReferenceLen {
			return fmt.Errorf("%w: %w: %s=%q", ErrValidation, ErrInvalidLink, field, ref)
		}
	}
	return nil
}

// SplitReference splits "Object.Member" at the last separator.
func SplitReference(ref string) (object, member string, ok bool) {
	i := strings.LastIndex(ref, referenceSeparator)
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

// JoinReference builds "Object.Member".
func JoinReference(object, member string) string {
	return object + referenceSeparator + member
}
