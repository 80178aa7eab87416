package main

import (
	"errors"
	"os"
	"slices"
	"syscall"
	"testing"
	"time"
)

func TestOnSignal_WaitsForEveryStep(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	release := make(chan struct{})
	var ran []string

	done := onSignal(sigCh, []shutdownStep{
		{"server", func() error { ran = append(ran, "server"); return nil }},
		{"nats", func() error { ran = append(ran, "nats"); return errors.New("already closed") }},
		{"journal", func() error {
			<-release
			ran = append(ran, "journal")
			return nil
		}},
	})

	select {
	case <-done:
		t.Fatal("done closed before any signal")
	case <-time.After(50 * time.Millisecond):
	}

	sigCh <- syscall.SIGTERM
	select {
	case <-done:
		t.Fatal("done closed while the journal step was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done never closed")
	}
	if want := []string{"server", "nats", "journal"}; !slices.Equal(ran, want) {
		t.Errorf("expected steps %v, got %v", want, ran)
	}
}
