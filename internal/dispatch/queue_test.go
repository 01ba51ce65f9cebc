package dispatch

import "testing"

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue()
	low := NewTask("low", "", 1)
	high := NewTask("high", "", 10)
	mid := NewTask("mid", "", 5)

	q.Add(low)
	q.Add(high)
	q.Add(mid)

	got := q.Peek()
	if got.ID != high.ID {
		t.Fatalf("expected highest priority task first, got %s", got.Description)
	}

	q.Pop()
	got = q.Peek()
	if got.ID != mid.ID {
		t.Fatalf("expected mid priority task next, got %s", got.Description)
	}
}

func TestQueueGetByState(t *testing.T) {
	q := NewQueue()
	a := NewTask("a", "", 1)
	b := NewTask("b", "", 1)
	b.State = StateDispatched
	q.Add(a)
	q.Add(b)

	queued := q.GetByState(StateQueued)
	if len(queued) != 1 || queued[0].ID != a.ID {
		t.Fatalf("expected exactly one queued task, got %d", len(queued))
	}
}

func TestQueueGetByAgent(t *testing.T) {
	q := NewQueue()
	a := NewTask("a", "", 1)
	a.AgentID = "agent-1"
	q.Add(a)

	matches := q.GetByAgent("agent-1")
	if len(matches) != 1 {
		t.Fatalf("expected one task bound to agent-1, got %d", len(matches))
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	a := NewTask("a", "", 1)
	q.Add(a)
	if !q.Remove(a.ID) {
		t.Fatal("expected remove to succeed")
	}
	if q.GetByID(a.ID) != nil {
		t.Fatal("expected task to be gone after remove")
	}
}

func TestQueueUpdateResorts(t *testing.T) {
	q := NewQueue()
	a := NewTask("a", "", 1)
	b := NewTask("b", "", 2)
	q.Add(a)
	q.Add(b)

	a.Priority = 10
	q.Update(a)

	if q.Peek().ID != a.ID {
		t.Fatal("expected re-prioritized task to sort to the front")
	}
}
