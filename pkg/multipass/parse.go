package multipass

import (
	"encoding/json"
	"fmt"

	"vmgate/core/domain"
)

type listOutput struct {
	List []struct {
		Name    string   `json:"name"`
		State   string   `json:"state"`
		IPv4    []string `json:"ipv4"`
		Release string   `json:"release"`
	} `json:"list"`
}

type infoEntry struct {
	State        string          `json:"state"`
	IPv4         []string        `json:"ipv4"`
	Release      string          `json:"release"`
	ImageHash    string          `json:"image_hash"`
	ImageRelease string          `json:"image_release"`
	CPUCount     string          `json:"cpu_count"`
	Load         []float64       `json:"load"`
	Memory       json.RawMessage `json:"memory"`
	Disks        json.RawMessage `json:"disks"`
	Mounts       json.RawMessage `json:"mounts"`
}

type infoOutput struct {
	Info map[string]infoEntry `json:"info"`
}

// ParseList decodes `multipass list --format json`.
func ParseList(out string) ([]domain.VM, error) {
	var parsed listOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse multipass list output: %w", err)
	}

	vms := make([]domain.VM, 0, len(parsed.List))
	for _, item := range parsed.List {
		vms = append(vms, domain.VM{
			Name:    item.Name,
			State:   domain.NormalizeVMState(item.State),
			IPv4:    nonNil(item.IPv4),
			Release: item.Release,
		})
	}
	return vms, nil
}

// ParseInfo decodes `multipass info <name> --format json` and extracts name.
func ParseInfo(name, out string) (domain.VMInfo, error) {
	var parsed infoOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return domain.VMInfo{}, fmt.Errorf("failed to parse multipass info output: %w", err)
	}

	entry, ok := parsed.Info[name]
	if !ok {
		return domain.VMInfo{}, fmt.Errorf("multipass info output has no entry for %q", name)
	}

	return domain.VMInfo{
		VM: domain.VM{
			Name:    name,
			State:   domain.NormalizeVMState(entry.State),
			IPv4:    nonNil(entry.IPv4),
			Release: entry.Release,
		},
		ImageHash:    entry.ImageHash,
		ImageRelease: entry.ImageRelease,
		CPUCount:     entry.CPUCount,
		Load:         entry.Load,
		Memory:       entry.Memory,
		Disks:        entry.Disks,
		Mounts:       entry.Mounts,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
