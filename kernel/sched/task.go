// Package sched implements the task/process tree, ID allocation, and the
// vruntime scheduling policy described in spec.md §3 and §4.3. There is no
// single-CPU hardware timer driving ticks in a hosted build, so Tick is
// called explicitly by whatever drives the scheduler loop (tests, or a
// wrapper goroutine in a real deployment) rather than by an IRQ handler.
package sched

import (
	"github.com/tilck-go/tilck/kernel/mem/vmm"
)

// TaskState mirrors spec.md §3's task state machine.
type TaskState int

const (
	TaskStateInvalid TaskState = iota
	TaskStateRunnable
	TaskStateRunning
	TaskStateSleeping
	TaskStateZombie
)

func (s TaskState) String() string {
	switch s {
	case TaskStateRunnable:
		return "runnable"
	case TaskStateRunning:
		return "running"
	case TaskStateSleeping:
		return "sleeping"
	case TaskStateZombie:
		return "zombie"
	default:
		return "invalid"
	}
}

// Ticks holds the scheduling counters spec.md §3 attaches to every task.
type Ticks struct {
	Vruntime  uint64
	Timeslice uint64
	Total     uint64
}

// Task is a unit of execution: either a process's main thread or one of its
// secondary threads (spec.md §3).
type Task struct {
	TID   int
	Proc  *Process
	State TaskState

	IsMainThread    bool
	IsKernelThread  bool
	IsWorkerThread  bool
	RunningInKernel bool

	Ticks Ticks

	// TimerReady is set by a fired wakeup timer (SetWakeupTimer). PickNext
	// prefers tasks with it set, without clearing it; the next transition
	// that would otherwise put the task to sleep consumes it and leaves the
	// task running instead (spec.md §4.3).
	TimerReady bool

	// WaitObject is opaque to the scheduler: any non-nil value means the
	// task is blocked on something. A sleeping task must have WaitObject
	// set, a wakeup deadline set, or both (spec.md §3).
	WaitObject interface{}

	PendingSignals []Signal

	Stopped bool
}

// Process is a collection of tasks sharing one address space (spec.md §3).
type Process struct {
	PID       int
	ParentPID int
	PGID      int
	SID       int

	AddressSpace *vmm.AddressSpace

	CWD string

	Tasks    []*Task
	Children []*Process

	// Mappings is the process's list of live user_mapping registrations
	// (spec.md §3, "list of user VMAs"), consulted by PageFault's VFS-backed
	// fault path once the CoW path has ruled itself out.
	Mappings []MappedRegion
}

// IsSessionLeader reports whether this process's pid founded its session.
func (p *Process) IsSessionLeader() bool {
	return p.PID == p.SID
}

// IsGroupLeader reports whether this process's pid founded its process
// group.
func (p *Process) IsGroupLeader() bool {
	return p.PID == p.PGID
}

// Signal is a pending signal queued on a task (spec.md §4.3). FaultFlag
// marks signals raised synchronously by a CoW OOM or a hardware fault,
// mirroring the teacher's FL_FAULT bit.
type Signal struct {
	Num       int
	FaultFlag bool
}
