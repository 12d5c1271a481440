package multipass

import (
	"strconv"

	"vmgate/core/domain"
)

// Argument grammar of every lifecycle operation. Agents and the master build
// commands only through these helpers so both hops stay identical.

func ListArgs() []string {
	return []string{"list", "--format", "json"}
}

func InfoArgs(name string) []string {
	return []string{"info", name, "--format", "json"}
}

// LaunchArgs expects req to have defaults applied.
func LaunchArgs(req domain.CreateVMRequest) []string {
	return []string{
		"launch", req.Image,
		"--name", req.Name,
		"--cpus", strconv.Itoa(req.CPUs),
		"--memory", req.Memory,
		"--disk", req.Disk,
	}
}

func StartArgs(name string) []string {
	return []string{"start", name}
}

func StopArgs(name string) []string {
	return []string{"stop", name}
}

func DeleteArgs(name string) []string {
	return []string{"delete", name}
}

func PurgeArgs() []string {
	return []string{"purge"}
}
