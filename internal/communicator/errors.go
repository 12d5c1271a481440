package communicator

import (
	"errors"
	"fmt"

	"vmgate/core/domain"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentOffline  = errors.New("agent is offline")
)

// Error is returned by every Client call. Kind is one of not_found,
// offline, timeout, transport_error or protocol_error.
type Error struct {
	Kind      domain.ErrorKind
	AgentID   string
	Operation string
	// StatusCode and RemoteKind are set when the agent answered with a
	// non-2xx status.
	StatusCode int
	RemoteKind domain.ErrorKind
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case domain.KindNotFound:
		return fmt.Sprintf("agent '%s' not found", e.AgentID)
	case domain.KindOffline:
		return fmt.Sprintf("agent '%s' is offline", e.AgentID)
	}
	return fmt.Sprintf("%s: agent '%s' %s: %v", e.Kind, e.AgentID, e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err, or "" when err is not a
// communicator error.
func KindOf(err error) domain.ErrorKind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return ""
}
