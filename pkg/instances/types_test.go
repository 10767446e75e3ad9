package instances

import (
	"errors"
	"testing"
)

func TestTransitionSetupRequiresRunning(t *testing.T) {
	err := TransitionSetup(StatusLaunching, SetupNone, SetupPending)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if err := TransitionSetup(StatusRunning, SetupNone, SetupPending); err != nil {
		t.Fatalf("expected none -> pending to be allowed, got %v", err)
	}
}

func TestTransitionSetupTerminalStates(t *testing.T) {
	for _, from := range []SetupStatus{SetupReady, SetupDemoReady} {
		for _, to := range []SetupStatus{SetupPending, SetupRunning, SetupFailed, SetupReady} {
			if err := TransitionSetup(StatusRunning, from, to); err == nil {
				t.Fatalf("expected %s -> %s to be rejected", from, to)
			}
		}
		if err := TransitionSetup(StatusStopped, from, SetupNone); err != nil {
			t.Fatalf("expected reset from %s after stop, got %v", from, err)
		}
	}
}

func TestTransitionSetupSkippingRunningRejected(t *testing.T) {
	if err := TransitionSetup(StatusRunning, SetupPending, SetupReady); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pending -> ready to be rejected, got %v", err)
	}
	if err := TransitionSetup(StatusRunning, SetupNone, SetupRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected none -> running to be rejected, got %v", err)
	}
}

func TestTransitionSetupResetWhileRunningRejected(t *testing.T) {
	if err := TransitionSetup(StatusRunning, SetupReady, SetupNone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected reset while running to be rejected, got %v", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	if err := TransitionStatus(StatusPending, StatusLaunching); err != nil {
		t.Fatalf("pending -> launching: %v", err)
	}
	if err := TransitionStatus(StatusRunning, StatusRunning); err != nil {
		t.Fatalf("re-asserting status should pass: %v", err)
	}
	if err := TransitionStatus(StatusRunning, StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("running -> pending should fail, got %v", err)
	}
	if err := TransitionStatus(StatusRunning, Status("exploded")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unknown status should fail, got %v", err)
	}
}

func TestPublicPortAndSSHTarget(t *testing.T) {
	inst := &Instance{Address: "10.0.0.5", Ports: map[string]int{"8188": 40001}}
	if port, mapped := inst.PublicPort(8188); port != 40001 || !mapped {
		t.Fatalf("expected mapped port, got %d %v", port, mapped)
	}
	if port, mapped := inst.PublicPort(80); port != 80 || mapped {
		t.Fatalf("expected fallback port, got %d %v", port, mapped)
	}
	host, port := inst.SSHTarget()
	if host != "10.0.0.5" || port != 22 {
		t.Fatalf("unexpected ssh target %s:%d", host, port)
	}
	inst.SSHHost, inst.SSHPort = "ssh4.example.net", 31022
	host, port = inst.SSHTarget()
	if host != "ssh4.example.net" || port != 31022 {
		t.Fatalf("unexpected proxied ssh target %s:%d", host, port)
	}
}
