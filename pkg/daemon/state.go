package daemon

import (
	"fmt"
	"log/slog"

	"github.com/modoterra/agentrelay/pkg/chat"
	"github.com/modoterra/agentrelay/pkg/config"
	"github.com/modoterra/agentrelay/pkg/core"
	"github.com/modoterra/agentrelay/pkg/logstore"
	"github.com/modoterra/agentrelay/pkg/runner"
	"github.com/modoterra/agentrelay/pkg/session"
)

// State is the process-wide relay state. It is built once at startup, shared
// by every transport, and lives until the process exits.
type State struct {
	Store    *logstore.Store
	Sessions *session.Registry
	Chat     *chat.Service
}

// NewState builds the store, the session registry and a chat service backed
// by a real agent runner.
func NewState(cfg *config.Config, logger *slog.Logger) (*State, error) {
	store := logstore.New(cfg.Logs.Capacity)
	r, err := runner.New(cfg.RunnerConfig(), store, logger.With("component", "runner"))
	if err != nil {
		return nil, fmt.Errorf("agent runner: %w", err)
	}
	return NewStateWithRunner(store, r, logger), nil
}

// NewStateWithRunner builds state around an existing store and runner.
func NewStateWithRunner(store *logstore.Store, r chat.Runner, logger *slog.Logger) *State {
	sessions := session.NewRegistry()
	return &State{
		Store:    store,
		Sessions: sessions,
		Chat:     chat.NewService(r, sessions, store, logger.With("component", "chat")),
	}
}

// SessionList merges registry mappings with log buffers that have no user,
// such as anonymous turns or lines appended by clients.
func (s *State) SessionList() []core.SessionInfo {
	infos := s.Sessions.List()
	out := make([]core.SessionInfo, 0, len(infos))
	known := make(map[string]bool, len(infos))
	for _, info := range infos {
		known[info.Token] = true
		out = append(out, core.SessionInfo{
			UserID:    info.UserID,
			SessionID: info.Token,
			CreatedAt: info.CreatedAt,
			LastSeen:  info.LastSeen,
			Lines:     len(s.Store.Entries(info.Token)),
		})
	}
	for _, id := range s.Store.Sessions() {
		if known[id] {
			continue
		}
		out = append(out, core.SessionInfo{
			SessionID: id,
			Lines:     len(s.Store.Entries(id)),
		})
	}
	return out
}
