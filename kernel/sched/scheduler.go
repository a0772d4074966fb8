package sched

import (
	"sync"

	"github.com/google/btree"

	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/kfmt/early"
)

// TimeSliceTicks is the number of ticks a non-worker task may run before
// need_resched is raised (spec.md §4.3).
const TimeSliceTicks = 10

// tidEntry is the TID-tree item the teacher keeps as an intrusive bintree
// node on struct task; google/btree's generic tree takes the same role here
// (SPEC_FULL.md domain-stack decision).
type tidEntry struct {
	tid  int
	task *Task
}

func tidLess(a, b tidEntry) bool { return a.tid < b.tid }

// Scheduler owns the task/process tree and the vruntime scheduling policy.
// It is single-threaded in the sense spec.md §4.3 describes (one logical
// CPU); the mutex only guards bookkeeping against concurrent callers on the
// host, it is not modeling SMP.
type Scheduler struct {
	mu sync.Mutex

	tree *btree.BTreeG[tidEntry]

	runnable []*Task

	currentMaxPID       int
	currentMaxKernelTID int

	current *Task
	idle    *Task

	idleTicks uint64
}

// New creates an empty scheduler. The caller is expected to immediately
// create and register the kernel process (spec.md §3: "the process
// containing the kernel threads has pid 0").
func New() *Scheduler {
	return &Scheduler{
		tree:                btree.NewG(32, tidLess),
		currentMaxPID:       -1,
		currentMaxKernelTID: -1,
	}
}

// AddTask registers a task in the TID tree and, if runnable, the runnable
// list (spec.md's add_task/task_add_to_state_list).
func (s *Scheduler) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addTaskLocked(t)
}

func (s *Scheduler) addTaskLocked(t *Task) {
	s.tree.ReplaceOrInsert(tidEntry{tid: t.TID, task: t})
	if t.State == TaskStateRunnable {
		s.runnable = append(s.runnable, t)
	}
}

// RemoveTask drops a zombie task from the TID tree (spec.md's remove_task).
// It returns errors.EINVAL, and leaves the tree untouched, if given a
// non-zombie task (the teacher asserts with ASSERT_TASK_STATE instead).
func (s *Scheduler) RemoveTask(t *Task) *errors.Errno {
	if t.State != TaskStateZombie {
		return errors.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(tidEntry{tid: t.TID})
	return nil
}

// GetTask looks up a task by tid.
func (s *Scheduler) GetTask(tid int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tree.Get(tidEntry{tid: tid}); ok {
		return e.task
	}
	return nil
}

// IterateTasks walks the TID tree in order, calling fn for every task. fn
// returning false stops the walk early.
func (s *Scheduler) IterateTasks(fn func(*Task) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Ascend(func(e tidEntry) bool {
		return fn(e.task)
	})
}

// CreateNewPID allocates the next main-thread PID, reserving it against
// any live process's pgid/sid (spec.md §4.3, create_new_pid).
func (s *Scheduler) CreateNewPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []idSample
	s.tree.Ascend(func(e tidEntry) bool {
		if e.task.IsMainThread && !e.task.IsKernelThread {
			existing = append(existing, idSample{tid: e.tid, pgid: e.task.Proc.PGID, sid: e.task.Proc.SID})
		}
		return true
	})

	r := allocateID(existing, s.currentMaxPID, MaxPID)
	if r >= 0 {
		s.currentMaxPID = r
	}
	return r
}

// CreateNewKernelTID allocates the next kernel-thread TID, offset by
// KernelTIDStart in the shared tid namespace (spec.md §4.3,
// create_new_kernel_tid).
func (s *Scheduler) CreateNewKernelTID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []idSample
	s.tree.Ascend(func(e tidEntry) bool {
		if e.task.IsKernelThread {
			existing = append(existing, idSample{tid: e.tid - KernelTIDStart, pgid: -1, sid: -1})
		}
		return true
	})

	r := allocateID(existing, s.currentMaxKernelTID, KernelMaxTID)
	if r < 0 {
		return -1
	}
	s.currentMaxKernelTID = r
	return r + KernelTIDStart
}

// ChangeState performs a state transition, enforcing spec.md §4.3's allowed
// edges (RUNNABLE<->RUNNING, RUNNING->SLEEPING, SLEEPING->RUNNABLE,
// RUNNING->ZOMBIE) and keeping the runnable list in sync.
func (s *Scheduler) ChangeState(t *Task, next TaskState) *errors.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeStateLocked(t, next)
}

func (s *Scheduler) changeStateLocked(t *Task, next TaskState) *errors.Errno {
	if t.State == TaskStateZombie {
		return errors.EINVAL
	}
	if !validTransition(t.State, next) {
		return errors.EINVAL
	}
	// A wakeup timer that fired while t was running turns this attempt to
	// sleep into an immediate wake: t stays running and the flag is consumed.
	if next == TaskStateSleeping && t.TimerReady {
		t.TimerReady = false
		return nil
	}

	wasRunnable := t.State == TaskStateRunnable
	from := t.State
	t.State = next
	isRunnable := next == TaskStateRunnable

	kernel.Log.WithFields(map[string]interface{}{
		"subsystem": "sched",
		"tid":       t.TID,
		"from":      from.String(),
		"to":        next.String(),
	}).Debug("task state transition")

	switch {
	case isRunnable && !wasRunnable:
		s.runnable = append(s.runnable, t)
	case !isRunnable && wasRunnable:
		s.removeFromRunnableLocked(t)
	}
	return nil
}

func validTransition(from, to TaskState) bool {
	switch {
	case from == TaskStateRunnable && to == TaskStateRunning:
		return true
	case from == TaskStateRunning && to == TaskStateRunnable:
		return true
	case from == TaskStateRunning && to == TaskStateSleeping:
		return true
	case from == TaskStateSleeping && to == TaskStateRunnable:
		return true
	case from == TaskStateRunning && to == TaskStateZombie:
		return true
	default:
		return false
	}
}

func (s *Scheduler) removeFromRunnableLocked(t *Task) {
	for i, r := range s.runnable {
		if r == t {
			s.runnable = append(s.runnable[:i], s.runnable[i+1:]...)
			return
		}
	}
}

// Tick accounts one timer tick against the currently running task, advancing
// its vruntime by the number of runnable tasks (itself included) minus one
// per spec.md §4.3's fairness rule, and reports whether a reschedule is now
// due.
func (s *Scheduler) Tick() (needResched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.idleTicks++
		return len(s.runnable) > 0
	}

	s.current.Ticks.Timeslice++
	s.current.Ticks.Total++

	// The running task is not on s.runnable, so it is counted separately.
	runnableCount := len(s.runnable)
	if s.current.State == TaskStateRunning {
		runnableCount++
	}
	if runnableCount > 1 {
		s.current.Ticks.Vruntime += uint64(runnableCount - 1)
	}

	if s.current.TimerReady {
		return true
	}
	// need_resched is never raised for worker threads on timeslice expiry:
	// their timeslice is unlimited and they can only be preempted by another
	// worker thread (original_source/kernel/sched.c, sched_account_ticks).
	if !s.current.IsWorkerThread && s.current.Ticks.Timeslice >= TimeSliceTicks {
		return true
	}
	if s.current.State != TaskStateRunning {
		return true
	}
	return false
}

// PickNext selects the runnable task with the lowest vruntime, except that a
// timer_ready task is preferred over any task without the flag whatever
// their vruntimes (spec.md §4.3). It returns nil (the idle task should run)
// if nothing is runnable.
func (s *Scheduler) PickNext() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var selected *Task
	for _, t := range s.runnable {
		switch {
		case selected == nil:
			selected = t
		case t.TimerReady && !selected.TimerReady:
			selected = t
		case t.TimerReady == selected.TimerReady && t.Ticks.Vruntime < selected.Ticks.Vruntime:
			selected = t
		}
	}

	if selected != nil {
		s.current = selected
	}
	return selected
}

// SetCurrent installs t as the running task without going through PickNext,
// for bootstrapping the kernel process.
func (s *Scheduler) SetCurrent(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = t
}

// Current returns the presently running task, or nil if idle.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RunnableCount reports the number of runnable tasks, mirroring the
// teacher's runnable_tasks_count used by idle()'s wakeup condition.
func (s *Scheduler) RunnableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runnable)
}

// CountInGroup reports how many tasks belong to process group pgid
// (spec.md's sched_count_proc_in_group), walking the TID tree.
func (s *Scheduler) CountInGroup(pgid int) int {
	count := 0
	s.IterateTasks(func(t *Task) bool {
		if t.Proc != nil && t.Proc.PGID == pgid {
			count++
		}
		return true
	})
	return count
}

// SessionOfGroup returns the sid owning pgid, or errors.ESRCH if no task in
// that group exists (spec.md's sched_get_session_of_group).
func (s *Scheduler) SessionOfGroup(pgid int) (int, *errors.Errno) {
	var sid int
	found := false
	s.IterateTasks(func(t *Task) bool {
		if t.Proc != nil && t.Proc.PGID == pgid {
			sid = t.Proc.SID
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, errors.ESRCH
	}
	return sid, nil
}

// LogStats emits a one-line summary, the hosted equivalent of the debug
// panel's task count readout.
func (s *Scheduler) LogStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	early.Printf("[sched] runnable=%d idle_ticks=%d\n", len(s.runnable), s.idleTicks)
}
