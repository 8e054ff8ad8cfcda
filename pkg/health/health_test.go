package health

import (
	"testing"
	"time"
)

func TestRecordTimeoutTriggersRestartAtThreshold(t *testing.T) {
	var restarts int
	m := New(3, time.Hour, func() error { restarts++; return nil }, nil)

	m.RecordTimeout()
	m.RecordTimeout()
	if restarts != 0 {
		t.Fatalf("expected no restart before threshold, got %d", restarts)
	}
	m.RecordTimeout()
	if restarts != 1 {
		t.Fatalf("expected exactly 1 restart at threshold, got %d", restarts)
	}
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	var restarts int
	m := New(3, time.Hour, func() error { restarts++; return nil }, nil)

	m.RecordTimeout()
	m.RecordTimeout()
	m.RecordSuccess()
	m.RecordTimeout()
	m.RecordTimeout()
	if restarts != 0 {
		t.Fatalf("expected success to reset the counter, got %d restarts", restarts)
	}
}

func TestCooldownPreventsRepeatedRestarts(t *testing.T) {
	var restarts int
	m := New(2, time.Hour, func() error { restarts++; return nil }, nil)

	m.RecordTimeout()
	m.RecordTimeout()
	if restarts != 1 {
		t.Fatalf("expected first restart, got %d", restarts)
	}

	m.RecordTimeout()
	m.RecordTimeout()
	if restarts != 1 {
		t.Fatalf("expected cooldown to suppress a second restart, got %d", restarts)
	}
}

func TestCooldownElapsedAllowsAnotherRestart(t *testing.T) {
	var restarts int
	now := time.Now()
	m := New(1, time.Minute, func() error { restarts++; return nil }, nil)
	m.now = func() time.Time { return now }

	m.RecordTimeout()
	if restarts != 1 {
		t.Fatalf("expected first restart, got %d", restarts)
	}

	now = now.Add(2 * time.Minute)
	m.RecordTimeout()
	if restarts != 2 {
		t.Fatalf("expected restart after cooldown elapsed, got %d", restarts)
	}
}
