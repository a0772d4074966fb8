package sched

import "sort"

const (
	SIGKILL = 9
	SIGSEGV = 11
	SIGBUS  = 7
)

// QueueSignal appends a pending signal to t, for delivery the next time t
// transitions to user mode (spec.md §4.3).
func QueueSignal(t *Task, num int, faultFlag bool) {
	t.PendingSignals = append(t.PendingSignals, Signal{Num: num, FaultFlag: faultFlag})
}

// DeliverToGroup queues sig against every task in process group pgid,
// walking the TID tree so the group leader is delivered last: a signal that
// kills the leader before its followers have been notified would otherwise
// orphan them mid-delivery (spec.md §4.3).
func (s *Scheduler) DeliverToGroup(pgid, sig int) {
	var leader *Task
	var followers []*Task

	s.IterateTasks(func(t *Task) bool {
		if t.Proc == nil || t.Proc.PGID != pgid || !t.IsMainThread {
			return true
		}
		if t.Proc.IsGroupLeader() {
			leader = t
		} else {
			followers = append(followers, t)
		}
		return true
	})

	sort.Slice(followers, func(i, j int) bool { return followers[i].TID < followers[j].TID })

	for _, t := range followers {
		QueueSignal(t, sig, false)
	}
	if leader != nil {
		QueueSignal(leader, sig, false)
	}
}
