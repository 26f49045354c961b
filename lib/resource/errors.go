package resource

import (
	"errors"
	"fmt"
)

// ErrKeyUnavailable is matched by errors of transforms that need a keychain key
// that is not present (yet).
var ErrKeyUnavailable = errors.New("keychain key unavailable")

// ConfigurationError reports an invalid resource definition or registry setup
type ConfigurationError struct {
	Kind  Kind
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("resource configuration error (kind %s, field %q): %s", e.Kind, e.Field, e.Msg)
	}
	return fmt.Sprintf("resource configuration error (kind %s): %s", e.Kind, e.Msg)
}

// MissingKeyError is returned by a transform when a required keychain key is missing
type MissingKeyError struct {
	Key  string
	Type ValueType
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("keychain key %q (%s) unavailable", e.Key, e.Type)
}

// Is makes errors.Is(err, ErrKeyUnavailable) work
func (e *MissingKeyError) Is(target error) bool {
	return target == ErrKeyUnavailable
}
