package engine

import (
	"testing"
	"time"
)

// TestSchedulerAutoCommitRuns checks that a registered auto-commit job
// actually drives the engine's CommitSeq forward on its own, without any
// caller-invoked Commit.
func TestSchedulerAutoCommitRuns(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	e, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	seqBefore := e.Stats().CommitSeq

	sched := NewScheduler(e)
	if err := sched.AddAutoCommit("*/1 * * * * *"); err != nil {
		t.Fatalf("AddAutoCommit: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.Stats().CommitSeq > seqBefore {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("auto-commit never ran: CommitSeq stayed at %d", seqBefore)
}

// TestSchedulerStopAfterAutoVacuumTicks checks that Stop, called after the
// auto-vacuum job has had time to tick, returns without panicking. It does
// not check whether Stop waited for a running job.
func TestSchedulerStopAfterAutoVacuumTicks(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	e, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	sched := NewScheduler(e)
	if err := sched.AddAutoVacuum("*/1 * * * * *"); err != nil {
		t.Fatalf("AddAutoVacuum: %v", err)
	}
	sched.Start()

	time.Sleep(1200 * time.Millisecond)
	sched.Stop() // must not panic or race against an in-flight tick
}
