package sched_test

import (
	"sync"
	"testing"
	"time"

	"bountyline/internal/sched"
)

type recorder struct {
	mu    sync.Mutex
	fired []int64
}

func (r *recorder) fire(id int64) {
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
}

func (r *recorder) count(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.fired {
		if f == id {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestArmFires(t *testing.T) {
	rec := &recorder{}
	s := sched.New(rec.fire)
	defer s.Stop()

	s.Arm(1, time.Now().Add(30*time.Millisecond))
	if !s.Armed(1) {
		t.Fatalf("expected armed")
	}
	waitFor(t, func() bool { return rec.count(1) == 1 })
	if s.Armed(1) {
		t.Fatalf("fired timer must unarm itself")
	}
}

func TestPastDeadlineFiresPromptly(t *testing.T) {
	rec := &recorder{}
	s := sched.New(rec.fire)
	defer s.Stop()

	s.Arm(2, time.Now().Add(-time.Hour))
	waitFor(t, func() bool { return rec.count(2) == 1 })
}

func TestCancelIsIdempotent(t *testing.T) {
	rec := &recorder{}
	s := sched.New(rec.fire)
	defer s.Stop()

	s.Arm(3, time.Now().Add(50*time.Millisecond))
	s.Cancel(3)
	s.Cancel(3)  // repeat is a no-op
	s.Cancel(99) // unknown id is a no-op
	if s.Armed(3) {
		t.Fatalf("cancelled timer must not stay armed")
	}
	time.Sleep(150 * time.Millisecond)
	if rec.count(3) != 0 {
		t.Fatalf("cancelled timer must not fire")
	}
}

func TestRearmReplacesPendingTimer(t *testing.T) {
	rec := &recorder{}
	s := sched.New(rec.fire)
	defer s.Stop()

	s.Arm(4, time.Now().Add(time.Hour))
	s.Arm(4, time.Now().Add(30*time.Millisecond))
	waitFor(t, func() bool { return rec.count(4) == 1 })
	time.Sleep(100 * time.Millisecond)
	if rec.count(4) != 1 {
		t.Fatalf("re-armed id must fire exactly once, got %d", rec.count(4))
	}
}

func TestStopCancelsEverything(t *testing.T) {
	rec := &recorder{}
	s := sched.New(rec.fire)

	s.Arm(5, time.Now().Add(50*time.Millisecond))
	s.Arm(6, time.Now().Add(50*time.Millisecond))
	s.Stop()
	if s.Armed(5) || s.Armed(6) {
		t.Fatalf("stop must unarm all")
	}
	time.Sleep(150 * time.Millisecond)
	if len(rec.fired) != 0 {
		t.Fatalf("stopped timers must not fire: %v", rec.fired)
	}
}
