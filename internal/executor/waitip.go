package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"vmgate/core/domain"
)

// ErrNoIP is returned when a VM has no IPv4 address after all attempts.
var ErrNoIP = errors.New("VM has no IPv4 address yet")

// WaitPolicy bounds WaitForIP. Reaching the bound says nothing about the
// VM's health; multipass gives no upper limit for address assignment.
type WaitPolicy struct {
	InitialDelay time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  uint64
}

// DefaultWaitPolicy waits 2s, then polls with exponential backoff from a 1s
// base, capped at 15s, for at most 10 attempts.
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{
		InitialDelay: 2 * time.Second,
		BaseDelay:    time.Second,
		MaxDelay:     15 * time.Second,
		MaxAttempts:  10,
	}
}

// WaitForIP polls GetVMInfo until the VM reports a primary IPv4 address.
// Unknown or offline agents abort immediately; other failures are retried
// since a freshly launched VM may not be visible yet.
func WaitForIP(ctx context.Context, ex Executor, name string, policy WaitPolicy) (string, error) {
	def := DefaultWaitPolicy()
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}

	if policy.InitialDelay > 0 {
		timer := time.NewTimer(policy.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	backoff := retry.NewExponential(policy.BaseDelay)
	backoff = retry.WithCappedDuration(policy.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(policy.MaxAttempts-1, backoff)

	attempt := 0
	ip, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (string, error) {
		attempt++
		info, err := ex.GetVMInfo(ctx, name)
		if err != nil {
			switch ErrorKind(err) {
			case domain.KindNotFound, domain.KindOffline, domain.KindToolMissing:
				return "", err
			}
			log.Debug().Err(err).Str("vm_name", name).Int("attempt", attempt).Msg("VM info not available yet")
			return "", retry.RetryableError(err)
		}

		if ip := info.PrimaryIP(); ip != "" {
			return ip, nil
		}
		return "", retry.RetryableError(ErrNoIP)
	})
	if err != nil {
		if errors.Is(err, ErrNoIP) {
			return "", fmt.Errorf("%w after %d attempts", ErrNoIP, attempt)
		}
		return "", err
	}

	log.Info().Str("vm_name", name).Str("ip", ip).Int("attempts", attempt).Msg("VM acquired IP address")
	return ip, nil
}
