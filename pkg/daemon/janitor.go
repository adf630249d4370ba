package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/modoterra/agentrelay/pkg/transport/uds"
)

// Janitor expires idle sessions on a fixed interval and drops their logs.
type Janitor struct {
	state    *State
	server   *uds.Server
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a janitor. server may be nil when no control socket runs.
func NewJanitor(state *State, server *uds.Server, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{state: state, server: server, ttl: ttl, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled. It returns immediately when expiry is
// disabled.
func (j *Janitor) Run(ctx context.Context) {
	if j.ttl <= 0 || j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			j.sweep(now)
		}
	}
}

// sweep expires sessions idle at now and returns their tokens.
func (j *Janitor) sweep(now time.Time) []string {
	expired := j.state.Sessions.Expire(now, j.ttl)
	if len(expired) == 0 {
		return nil
	}
	for _, token := range expired {
		j.state.Store.Drop(token)
	}
	j.logger.Info("sessions expired", "count", len(expired))

	if j.server != nil {
		evt, err := uds.NewEvent(uds.EventSessionsExpired, uds.SessionsExpiredEvent{Sessions: expired})
		if err == nil {
			j.server.Broadcast(evt)
		}
	}
	return expired
}
