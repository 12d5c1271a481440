package domain

import "net/http"

// ErrorKind classifies a failure so callers can react without parsing text.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindOffline        ErrorKind = "offline"
	KindTimeout        ErrorKind = "timeout"
	KindTransportError ErrorKind = "transport_error"
	KindProtocolError  ErrorKind = "protocol_error"
	KindToolError      ErrorKind = "tool_error"
	KindToolMissing    ErrorKind = "tool_missing"
	KindInvalid        ErrorKind = "invalid_request"
)

// HTTPStatus maps a kind onto the status code the HTTP API answers with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindOffline:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransportError, KindProtocolError:
		return http.StatusBadGateway
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CommandResult is the outcome of one multipass invocation, or of a
// lifecycle operation forwarded to an agent.
type CommandResult struct {
	Success bool      `json:"success"`
	Output  string    `json:"output"`
	Error   string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// Failed builds an unsuccessful result.
func Failed(kind ErrorKind, msg string) CommandResult {
	return CommandResult{Success: false, Error: msg, Kind: kind}
}

// ExecuteRequest asks an agent to run raw multipass arguments.
type ExecuteRequest struct {
	Args []string `json:"args" validate:"required,min=1"`
	// Timeout in seconds; zero uses the agent's ceiling.
	Timeout int `json:"timeout,omitempty" validate:"gte=0"`
}

// LocationType tells whether an executor targets this host or an agent.
type LocationType string

const (
	LocationLocal  LocationType = "local"
	LocationRemote LocationType = "remote"
)

// Location describes where an executor runs its commands.
type Location struct {
	Type          LocationType `json:"type"`
	AgentID       string       `json:"agent_id,omitempty"`
	AgentHostname string       `json:"agent_hostname,omitempty"`
}

// ErrorResponse is the JSON error body of every HTTP endpoint.
type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind,omitempty"`
}
