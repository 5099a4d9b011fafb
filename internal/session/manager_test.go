package session

import (
	"errors"
	"testing"
)

func Test_Manager_SwitchProject_Closes_Previous_Session_When_Root_Changes(t *testing.T) {
	t.Parallel()

	first := newFixture(t)
	second := newFixture(t)
	path := first.source(t, "A.java", "demo")

	var m Manager

	s1, err := m.SwitchProject(t.Context(), first.options())
	if err != nil {
		t.Fatalf("SwitchProject: %v", err)
	}

	again, err := m.SwitchProject(t.Context(), first.options())
	if err != nil || again != s1 {
		t.Fatalf("SwitchProject same root=%p, %v; want current session %p", again, err, s1)
	}

	s2, err := m.SwitchProject(t.Context(), second.options())
	if err != nil {
		t.Fatalf("SwitchProject: %v", err)
	}

	if s2 == s1 || m.Current() != s2 || s2.Root() != second.root {
		t.Fatalf("current=%p root=%q, want new session for %q", m.Current(), s2.Root(), second.root)
	}

	if _, err := s1.Source(t.Context(), path); !errors.Is(err, ErrClosed) {
		t.Fatalf("previous session err=%v, want ErrClosed", err)
	}

	if err := m.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if m.Current() != nil {
		t.Fatal("current session kept after Shutdown")
	}
}

func Test_Manager_SwitchProject_Returns_Error_When_Options_Invalid(t *testing.T) {
	t.Parallel()

	var m Manager

	_, err := m.SwitchProject(t.Context(), Options{})
	if err == nil {
		t.Fatal("expected error")
	}

	if m.Current() != nil {
		t.Fatal("session set after failed switch")
	}
}
