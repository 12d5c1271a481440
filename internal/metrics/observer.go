package metrics

import (
	"time"

	"vmgate/core/domain"
)

// ObserveMultipass records a finished multipass invocation. It matches
// multipass.Observer.
func ObserveMultipass(command string, result domain.CommandResult, elapsed time.Duration) {
	outcome := "success"
	if !result.Success {
		outcome = string(result.Kind)
	}
	MultipassCommandDuration.WithLabelValues(command, outcome).Observe(elapsed.Seconds())
}
