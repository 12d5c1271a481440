package domain

import (
	"encoding/json"
	"strings"
)

// VMState is the lower-cased state reported by multipass
type VMState string

const (
	VMRunning VMState = "running"
	VMStopped VMState = "stopped"
	VMOther   VMState = "other"
)

// NormalizeVMState folds a multipass state string ("Running", "Stopped",
// "Starting", ...) into its lower-case form.
func NormalizeVMState(s string) VMState {
	return VMState(strings.ToLower(strings.TrimSpace(s)))
}

// Category collapses the state into running, stopped or other.
func (s VMState) Category() VMState {
	switch s {
	case VMRunning, VMStopped:
		return s
	default:
		return VMOther
	}
}

// VM is the read-through projection of one multipass instance. AgentID is
// empty for VMs on the local host.
type VM struct {
	Name          string   `json:"name"`
	State         VMState  `json:"state"`
	IPv4          []string `json:"ipv4"`
	Release       string   `json:"release"`
	AgentID       string   `json:"agent_id,omitempty"`
	AgentHostname string   `json:"agent_hostname,omitempty"`
}

// PrimaryIP returns the first IPv4 address, or "".
func (v VM) PrimaryIP() string {
	if len(v.IPv4) == 0 {
		return ""
	}
	return v.IPv4[0]
}

// VMInfo extends VM with the detail fields of `multipass info`.
type VMInfo struct {
	VM
	ImageHash    string          `json:"image_hash,omitempty"`
	ImageRelease string          `json:"image_release,omitempty"`
	CPUCount     string          `json:"cpu_count,omitempty"`
	Load         []float64       `json:"load,omitempty"`
	Memory       json.RawMessage `json:"memory,omitempty"`
	Disks        json.RawMessage `json:"disks,omitempty"`
	Mounts       json.RawMessage `json:"mounts,omitempty"`
}

// CreateVMRequest describes a VM launch. Zero values are replaced by
// ApplyDefaults.
type CreateVMRequest struct {
	Name      string `json:"name" validate:"required,vmname"`
	CPUs      int    `json:"cpus,omitempty" validate:"gte=0,lte=64"`
	Memory    string `json:"memory,omitempty" validate:"omitempty,size"`
	Disk      string `json:"disk,omitempty" validate:"omitempty,size"`
	Image     string `json:"image,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	WaitForIP bool   `json:"wait_for_ip,omitempty"`
}

const (
	DefaultImage  = "22.04"
	DefaultCPUs   = 1
	DefaultMemory = "1G"
	DefaultDisk   = "5G"
)

// ApplyDefaults fills unset resources with the stock launch values.
func (r *CreateVMRequest) ApplyDefaults() {
	if r.Image == "" {
		r.Image = DefaultImage
	}
	if r.CPUs == 0 {
		r.CPUs = DefaultCPUs
	}
	if r.Memory == "" {
		r.Memory = DefaultMemory
	}
	if r.Disk == "" {
		r.Disk = DefaultDisk
	}
}

// VMActionRequest names the VM for start, stop and delete.
type VMActionRequest struct {
	Name    string `json:"name" validate:"required,vmname"`
	AgentID string `json:"agent_id,omitempty"`
}

// VMListResponse is returned by list endpoints. Errors holds per-agent
// failures when the master aggregates several hosts.
type VMListResponse struct {
	VMs    []VM              `json:"vms"`
	Count  int               `json:"count"`
	Errors map[string]string `json:"errors,omitempty"`
}
