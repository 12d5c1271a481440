package domain

import "time"

// AgentStatus is the liveness state of a registered agent
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// Agent is a remote host that manages VMs on behalf of the master.
// The API key is kept by the registry and never serialized.
type Agent struct {
	ID       string            `json:"agent_id"`
	Hostname string            `json:"hostname"`
	BaseURL  string            `json:"api_url"`
	Status   AgentStatus       `json:"status"`
	LastSeen time.Time         `json:"last_seen"`
	Tags     map[string]string `json:"tags,omitempty"`
	VMCount  int               `json:"vm_count"`
}

// IsOnline reports whether the last sweep considered the agent reachable
func (a Agent) IsOnline() bool {
	return a.Status == AgentOnline
}

// RegisterRequest is sent by an agent when it announces itself to the master.
type RegisterRequest struct {
	AgentID  string            `json:"agent_id" validate:"required,max=128"`
	Hostname string            `json:"hostname" validate:"required,max=255"`
	APIURL   string            `json:"api_url" validate:"required,url"`
	APIKey   string            `json:"api_key,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Heartbeat is the periodic liveness report of an agent.
type Heartbeat struct {
	AgentID   string      `json:"agent_id" validate:"required"`
	Timestamp time.Time   `json:"timestamp"`
	Status    AgentStatus `json:"status,omitempty"`
	VMCount   int         `json:"vm_count" validate:"gte=0"`
}

// HeartbeatResponse tells the agent whether the master still knows it.
type HeartbeatResponse struct {
	Status string `json:"status"`
	Known  bool   `json:"known"`
}
