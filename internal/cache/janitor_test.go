package cache

import (
	"context"
	"testing"
	"time"
)

func TestJanitorStartupSweep(t *testing.T) {
	m, _, clock := newTestManager(t, ManagerConfig{TTL: time.Hour})
	m.Put("https://cdn.example.com/old.ts", "", []byte("a"))
	clock.Advance(2 * time.Hour)
	m.Put("https://cdn.example.com/fresh.ts", "", []byte("b"))

	j := &Janitor{
		Manager:      m,
		Interval:     time.Hour,
		InitialDelay: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for m.EntryCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("startup sweep never ran, entries = %d", m.EntryCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop on context cancel")
	}

	if m.IsValid("https://cdn.example.com/old.ts") {
		t.Error("expired entry should be swept")
	}
	if !m.IsValid("https://cdn.example.com/fresh.ts") {
		t.Error("fresh entry should survive")
	}
}

func TestJanitorStopsBeforeFirstSweep(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	j := &Janitor{Manager: m, InitialDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop on context cancel")
	}
}
