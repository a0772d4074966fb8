package sched

// WakeupTimer is a wakeup deadline installed on a task by SetWakeupTimer
// (spec.md §4.3, task_set_wakeup_timer). Fire is what the timer subsystem
// calls once `ticks` timer ticks have elapsed.
type WakeupTimer struct {
	Deadline uint64
	task     *Task

	fired     bool
	cancelled bool
}

// SetWakeupTimer schedules t to be woken after `ticks` more timer ticks.
func (s *Scheduler) SetWakeupTimer(t *Task, nowTicks, ticks uint64) *WakeupTimer {
	return &WakeupTimer{Deadline: nowTicks + ticks, task: t}
}

// Fire marks the timer's target as ready to run: if it is currently
// sleeping it becomes runnable; if it is already running, TimerReady stays
// set so the next attempt to sleep short-circuits into an immediate wake
// (spec.md §4.3). A cancelled timer never fires.
func (wt *WakeupTimer) Fire(s *Scheduler) {
	if wt.cancelled || wt.fired {
		return
	}
	wt.fired = true
	wt.task.TimerReady = true
	if wt.task.State == TaskStateSleeping {
		s.ChangeState(wt.task, TaskStateRunnable)
	}
}

// Cancel disarms the timer (spec.md §4.3, task_cancel_wakeup_timer).
// Cancelling an already-fired or already-cancelled timer is a no-op: the
// call is idempotent, matching spec.md §8's required property that
// "task_cancel_wakeup_timer may be called repeatedly."
func (wt *WakeupTimer) Cancel() {
	wt.cancelled = true
}
