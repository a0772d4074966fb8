package sched

import "testing"

func TestWakeupTimerFireWakesSleepingTask(t *testing.T) {
	s := New()
	proc := &Process{PID: 1, PGID: 1, SID: 1}
	task := newTestTask(1, proc, TaskStateRunnable)
	s.AddTask(task)
	s.ChangeState(task, TaskStateRunning)
	s.ChangeState(task, TaskStateSleeping)

	timer := s.SetWakeupTimer(task, 0, 5)
	timer.Fire(s)

	if !task.TimerReady {
		t.Fatal("expected TimerReady to be set")
	}
	if task.State != TaskStateRunnable {
		t.Fatalf("expected sleeping task to become runnable, got %s", task.State)
	}
}

func TestWakeupTimerFireOnRunningTaskOnlySetsFlag(t *testing.T) {
	s := New()
	proc := &Process{PID: 1, PGID: 1, SID: 1}
	task := newTestTask(1, proc, TaskStateRunnable)
	s.AddTask(task)
	s.ChangeState(task, TaskStateRunning)

	timer := s.SetWakeupTimer(task, 0, 5)
	timer.Fire(s)

	if !task.TimerReady {
		t.Fatal("expected TimerReady to be set")
	}
	if task.State != TaskStateRunning {
		t.Fatalf("expected running task to stay running, got %s", task.State)
	}
}

func TestWakeupTimerCancelPreventsFire(t *testing.T) {
	s := New()
	proc := &Process{PID: 1, PGID: 1, SID: 1}
	task := newTestTask(1, proc, TaskStateRunnable)
	s.AddTask(task)
	s.ChangeState(task, TaskStateRunning)
	s.ChangeState(task, TaskStateSleeping)

	timer := s.SetWakeupTimer(task, 0, 5)
	timer.Cancel()
	timer.Fire(s)

	if task.TimerReady {
		t.Fatal("expected a cancelled timer not to set TimerReady")
	}
	if task.State != TaskStateSleeping {
		t.Fatalf("expected task to stay sleeping, got %s", task.State)
	}
}

func TestWakeupTimerCancelIsIdempotent(t *testing.T) {
	s := New()
	proc := &Process{PID: 1, PGID: 1, SID: 1}
	task := newTestTask(1, proc, TaskStateRunnable)
	s.AddTask(task)
	s.ChangeState(task, TaskStateRunning)

	timer := s.SetWakeupTimer(task, 0, 5)
	timer.Cancel()
	timer.Cancel()
	timer.Cancel()
	timer.Fire(s)

	if task.TimerReady {
		t.Fatal("expected TimerReady to stay clear after repeated Cancel calls")
	}
}
