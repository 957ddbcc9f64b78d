package slotmgr

import (
	"context"
	"testing"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/config"
)

func TestSwitchIdentityNoopWhenDisabled(t *testing.T) {
	if err := SwitchIdentity(config.Settings{RunAsUID: 12345}); err != nil {
		t.Fatalf("expected no-op when DropPrivileges is false, got %v", err)
	}
}

func TestRunFiresStartedWithNoSlots(t *testing.T) {
	m := New(logger.Get())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	m.OnStarted(func(*Manager) { close(started) })

	done := make(chan struct{})
	go func() {
		m.Run(ctx, nil)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("expected manager started callback with zero slots configured")
	}
	if !m.Started() {
		t.Fatal("expected Started() true after barrier resolves")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestOnStartedInvokedImmediatelyIfAlreadyStarted(t *testing.T) {
	m := New(logger.Get())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx, nil)
		close(done)
	}()

	for !m.Started() {
		time.Sleep(time.Millisecond)
	}

	called := make(chan struct{})
	m.OnStarted(func(*Manager) { close(called) })
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected immediate invocation once already started")
	}

	cancel()
	<-done
}
