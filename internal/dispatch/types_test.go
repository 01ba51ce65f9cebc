package dispatch

import "testing"

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("add index", "CREATE INDEX ...", 5)
	if task.State != StateQueued {
		t.Fatalf("expected new task to start queued, got %s", task.State)
	}
	if task.ID == "" {
		t.Fatal("expected a generated id")
	}
}

func TestValidateRequiresDescriptionOrPrompt(t *testing.T) {
	task := &Task{}
	if err := task.Validate(); err == nil {
		t.Fatal("expected validation error for empty task")
	}
	task.Prompt = "do something"
	if err := task.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTransitionToValidPath(t *testing.T) {
	task := NewTask("deploy", "", 1)
	if err := task.TransitionTo(StateDispatched); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.DispatchedAt == nil {
		t.Fatal("expected DispatchedAt to be stamped")
	}
	if err := task.TransitionTo(StateCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be stamped")
	}
	if !task.IsTerminal() {
		t.Fatal("expected task to be terminal")
	}
}

func TestTransitionToRejectsFromTerminal(t *testing.T) {
	task := NewTask("deploy", "", 1)
	task.TransitionTo(StateCancelled)
	if err := task.TransitionTo(StateDispatched); err == nil {
		t.Fatal("expected error transitioning out of a terminal state")
	}
}

func TestTransitionToRejectsInvalidEdge(t *testing.T) {
	task := NewTask("deploy", "", 1)
	if err := task.TransitionTo(StateCompleted); err == nil {
		t.Fatal("expected error skipping dispatched before completed")
	}
}

func TestDispatchedNeverReturnsToQueued(t *testing.T) {
	task := NewTask("deploy", "", 1)
	task.TransitionTo(StateDispatched)
	if err := task.TransitionTo(StateQueued); err == nil {
		t.Fatal("expected dispatched to never transition back to queued")
	}
}
