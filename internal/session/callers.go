package session

import (
	"context"
	"fmt"
)

// Callers returns the classes recorded as referencing fqcn, sorted.
func (s *Session) Callers(fqcn string) []string {
	return s.callers.Get(fqcn)
}

// AddCallers records that callers reference fqcn. Changes are persisted
// asynchronously.
func (s *Session) AddCallers(fqcn string, callers ...string) {
	s.callers.Add(fqcn, callers...)
}

// CallerMap returns a copy of the whole caller map.
func (s *Session) CallerMap() map[string][]string {
	return s.callers.Snapshot()
}

// ReplaceCallerMap swaps the whole caller map.
func (s *Session) ReplaceCallerMap(entries map[string][]string) {
	s.callers.Replace(entries)
}

// ResetCallerMap empties the caller map, e.g. after a full recompile.
func (s *Session) ResetCallerMap() {
	s.callers.Replace(nil)
}

// SaveCallerMap stores the caller map synchronously.
func (s *Session) SaveCallerMap(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	_, err := s.store.Store(ctx, s.callers, true)
	if err != nil {
		return fmt.Errorf("save caller map: %w", err)
	}

	return nil
}
