package tandem

import (
	"errors"

	"github.com/casualjim/tandem/internal/registry"
	"github.com/casualjim/tandem/internal/retry"
	"github.com/casualjim/tandem/transport"
)

var (
	ErrMissingURL  = errors.New("tandem: broker url is required")
	ErrInvalidQoS  = errors.New("tandem: qos must be 0, 1 or 2")
	ErrClosed      = errors.New("tandem: closed")
	ErrEmptyTopics = errors.New("tandem: at least one topic is required")

	// ErrDuplicateRegistration is returned when a member registers a second
	// callback for its topic. The first registration stays in place.
	ErrDuplicateRegistration = registry.ErrDuplicateRegistration

	// ErrReconnectExhausted is reported to error listeners when the reconnect
	// attempt ceiling is exceeded. No further attempts are made until Dispose
	// and Init.
	ErrReconnectExhausted = retry.ErrExhausted
)

// TransportError is a failed connect, subscribe, unsubscribe or publish.
type TransportError = transport.Error
