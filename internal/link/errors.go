package link

import "errors"

var (
	// ErrUnknownEntity is returned when a state push names a key the store
	// has no entity for.
	ErrUnknownEntity = errors.New("link: unknown entity")

	// ErrUnresolved is returned when a reference names nothing on the host.
	ErrUnresolved = errors.New("link: reference does not resolve")

	// ErrInvalidColor is returned for malformed hex colours.
	ErrInvalidColor = errors.New("link: invalid colour")

	// ErrMissingDependency is returned by NewResolver when a required
	// collaborator is nil.
	ErrMissingDependency = errors.New("link: missing dependency")
)
