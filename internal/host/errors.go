package host

import "errors"

var (
	// ErrUnknownObject is returned for an object that is not defined.
	ErrUnknownObject = errors.New("host: unknown object")

	// ErrUnknownProperty is returned for a property the object does not have.
	ErrUnknownProperty = errors.New("host: unknown property")

	// ErrUnknownMethod is returned for a method the object does not have.
	ErrUnknownMethod = errors.New("host: unknown method")

	// ErrInvalidDefinition is returned for a malformed object definition.
	ErrInvalidDefinition = errors.New("host: invalid object definition")
)
