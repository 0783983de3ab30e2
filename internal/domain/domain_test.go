package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDeriveProjectStatus(t *testing.T) {
	tasks := []Task{{Status: TaskPending}, {Status: TaskPending}}
	if got := DeriveProjectStatus(false, tasks); got != ProjectPending {
		t.Fatalf("expected pending, got %s", got)
	}
	tasks[0].Status = TaskRunning
	if got := DeriveProjectStatus(false, tasks); got != ProjectInProgress {
		t.Fatalf("expected in_progress, got %s", got)
	}
	tasks[0].Status = TaskAccepted
	tasks[1].Status = TaskAccepted
	if got := DeriveProjectStatus(false, tasks); got != ProjectCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := DeriveProjectStatus(true, tasks); got != ProjectCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("execute: %w", Transient(base))
	var te TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected transient error")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped base error")
	}
	var fe FatalError
	if errors.As(err, &fe) {
		t.Fatalf("transient must not match fatal")
	}
	if Transient(nil) != nil || Fatal(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !DealClosedWon.Terminal() || !DealClosedLost.Terminal() {
		t.Fatalf("closed states must be terminal")
	}
	if DealNegotiating.Terminal() {
		t.Fatalf("negotiating is not terminal")
	}
}
