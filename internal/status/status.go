package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Level is the coarse workload state surfaced to the operator's callers.
type Level string

const (
	Active      Level = "active"
	Maintenance Level = "maintenance"
	Blocked     Level = "blocked"
)

// Fixed status messages callers match verbatim.
const (
	// CannotRestorePITR is surfaced when a restore target lies outside the
	// replayable WAL range.
	CannotRestorePITR = "cannot restore PITR, juju debug-log for details"

	// MoveRestoredCluster is surfaced after a successful restore: the cluster
	// must be pointed at another bucket before new backups are safe, or the
	// original backup chain would be overwritten.
	MoveRestoredCluster = "Move restored cluster to another S3 bucket"
)

// Tracker holds the current workload status. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	level   Level
	message string

	pollInterval time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{level: Active, pollInterval: 50 * time.Millisecond}
}

// Set replaces the current status.
func (t *Tracker) Set(level Level, message string) {
	t.mu.Lock()
	t.level = level
	t.message = message
	t.mu.Unlock()
	log.Info().Str("action", "status_set").Str("status", string(level)).
		Str("message", message).Msg("workload status changed")
}

func (t *Tracker) SetActive()                { t.Set(Active, "") }
func (t *Tracker) SetMaintenance(msg string) { t.Set(Maintenance, msg) }
func (t *Tracker) SetBlocked(msg string)     { t.Set(Blocked, msg) }

// Current returns the status level and message.
func (t *Tracker) Current() (Level, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.level, t.message
}

// Message returns only the status message.
func (t *Tracker) Message() string {
	_, msg := t.Current()
	return msg
}

// WaitFor blocks until cond holds, the timeout elapses, or ctx is done.
func (t *Tracker) WaitFor(ctx context.Context, timeout time.Duration, cond func(Level, string) bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		level, msg := t.Current()
		if cond(level, msg) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %s (status=%s message=%q)", timeout, level, msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForMessage blocks until the status message equals want.
func (t *Tracker) WaitForMessage(ctx context.Context, timeout time.Duration, want string) error {
	return t.WaitFor(ctx, timeout, func(_ Level, msg string) bool { return msg == want })
}
