package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager holds the session of the currently open project.
type Manager struct {
	mu      sync.Mutex
	current *Session
}

// Current returns the open session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// SwitchProject shuts the current session down and opens one for
// opts.ProjectRoot. Switching to the project that is already open returns
// the current session unchanged.
func (m *Manager) SwitchProject(ctx context.Context, opts Options) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Root() == Canonical(opts.ProjectRoot) {
		return m.current, nil
	}

	var shutdownErr error

	if m.current != nil {
		shutdownErr = m.current.Shutdown(ctx)
		m.current = nil
	}

	s, err := Open(ctx, opts)
	if err != nil {
		return nil, errors.Join(shutdownErr, fmt.Errorf("switch project: %w", err))
	}

	m.current = s

	if shutdownErr != nil {
		s.log.Warn("previous session did not shut down cleanly", zap.Error(shutdownErr))
	}

	return s, nil
}

// Shutdown closes the current session, if any.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}

	err := m.current.Shutdown(ctx)
	m.current = nil

	return err
}
