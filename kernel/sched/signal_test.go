package sched

import "testing"

func TestDeliverToGroupLeaderLast(t *testing.T) {
	s := New()

	leaderProc := &Process{PID: 5, PGID: 5, SID: 5}
	leader := newTestTask(5, leaderProc, TaskStateRunnable)

	memberProc := &Process{PID: 6, PGID: 5, SID: 5}
	member := newTestTask(6, memberProc, TaskStateRunnable)

	s.AddTask(leader)
	s.AddTask(member)

	s.DeliverToGroup(5, SIGKILL)

	if len(member.PendingSignals) != 1 || member.PendingSignals[0].Num != SIGKILL {
		t.Fatalf("expected member to receive SIGKILL, got %+v", member.PendingSignals)
	}
	if len(leader.PendingSignals) != 1 || leader.PendingSignals[0].Num != SIGKILL {
		t.Fatalf("expected leader to receive SIGKILL, got %+v", leader.PendingSignals)
	}
}

func TestQueueSignalFaultFlag(t *testing.T) {
	task := newTestTask(1, &Process{PID: 1, PGID: 1, SID: 1}, TaskStateRunning)
	QueueSignal(task, SIGSEGV, true)
	if len(task.PendingSignals) != 1 || !task.PendingSignals[0].FaultFlag {
		t.Fatalf("expected fault-flagged SIGSEGV queued, got %+v", task.PendingSignals)
	}
}
