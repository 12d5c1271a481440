package api

import (
	"time"

	"vmgate/core/domain"
)

// RegisterResponse acknowledges an agent registration
type RegisterResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Agent   domain.Agent `json:"agent"`
}

// MessageResponse is a bare acknowledgement
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// AgentListResponse is returned by GET /api/agent/list
type AgentListResponse struct {
	Agents []domain.Agent `json:"agents"`
	Count  int            `json:"count"`
}

// AgentInfoResponse carries the registry record plus a live health probe.
// HealthError is set instead of Health when the probe failed.
type AgentInfoResponse struct {
	Agent       domain.Agent   `json:"agent"`
	Health      map[string]any `json:"health,omitempty"`
	HealthError string         `json:"health_error,omitempty"`
}

// VMActionResponse answers create, start, stop and delete on the master.
type VMActionResponse struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message"`
	VMName   string           `json:"vm_name"`
	Location domain.Location  `json:"location"`
	Output   string           `json:"output,omitempty"`
	Error    string           `json:"error,omitempty"`
	Kind     domain.ErrorKind `json:"kind,omitempty"`
	// IP is filled when create was asked to wait for an address
	IP      string `json:"ip,omitempty"`
	IPError string `json:"ip_error,omitempty"`
}

// HealthResponse is served on /health by master and agents
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	AgentID  string `json:"agent_id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// AgentStatusResponse is served on the agent's /status endpoint
type AgentStatusResponse struct {
	AgentID            string            `json:"agent_id"`
	Hostname           string            `json:"hostname"`
	Version            string            `json:"version"`
	StartedAt          time.Time         `json:"started_at"`
	UptimeSeconds      int64             `json:"uptime_seconds"`
	MultipassAvailable bool              `json:"multipass_available"`
	MasterURL          string            `json:"master_url,omitempty"`
	Registered         bool              `json:"registered"`
	ActiveSessions     int               `json:"active_sessions"`
	Tags               map[string]string `json:"tags,omitempty"`
	Host               *HostStats        `json:"host,omitempty"`
}

// HostStats is a gopsutil snapshot of the machine running the agent
type HostStats struct {
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryUsed      uint64  `json:"memory_used"`
	MemoryPercent   float64 `json:"memory_percent"`
	HostUptime      uint64  `json:"host_uptime_seconds"`
}
