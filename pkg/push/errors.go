package push

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedPriority  = errors.New("unsupported priority")
	ErrInvalidTTL           = errors.New("invalid time to live")
	ErrMissingCredentials   = errors.New("no apns credentials configured")
	ErrAmbiguousCredentials = errors.New("both certificate and token credentials configured")
	ErrUnknownApplication   = errors.New("unknown application id")
	ErrUnsupportedPlatform  = errors.New("unsupported platform")
	ErrDeviceNotOwned       = errors.New("device is registered to another user")
)

// ConfigError is raised before any network call when credentials cannot be resolved.
type ConfigError struct {
	ApplicationID string
	Err           error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("push config for application %q: %v", e.ApplicationID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError is a failure not attributable to a single token. It aborts the whole batch.
type TransportError struct {
	Token string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("push transport failed (token %s): %v", e.Token, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsConfigError reports whether err can only be fixed by changing the request or the
// configuration, so retrying the same call is pointless.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr) ||
		errors.Is(err, ErrUnsupportedPriority) ||
		errors.Is(err, ErrInvalidTTL) ||
		errors.Is(err, ErrUnsupportedPlatform)
}
