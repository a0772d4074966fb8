package sched

import (
	"sync"

	"github.com/tilck-go/tilck/kernel/errors"
)

// WorkItem is a deferred (func, arg) pair, as the teacher's worker threads
// consume (spec.md §4.3).
type WorkItem struct {
	Func func(arg interface{})
	Arg  interface{}
}

// WorkerRing is a bounded single-producer/single-consumer ring buffer of
// work items. Enqueue never allocates and never waits for room: a full ring
// fails the enqueue instead. It is not lock-free: Enqueue, Dequeue and Len
// share one mutex, so an Enqueue can wait on a concurrent Dequeue.
type WorkerRing struct {
	mu    sync.Mutex
	items []WorkItem
	head  int
	count int

	// task is the worker task draining this ring, set by NewWorkerTask. It
	// is what RunPending's caller looks up to confirm it's draining the
	// right ring for the task it's running as.
	task *Task
}

// NewWorkerRing creates a ring that holds up to capacity items.
func NewWorkerRing(capacity int) *WorkerRing {
	return &WorkerRing{items: make([]WorkItem, capacity)}
}

// Task returns the worker task bound to this ring, or nil if none has been
// created yet via NewWorkerTask.
func (r *WorkerRing) Task() *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

// NewWorkerTask creates and registers the task that drains ring, marked as a
// worker thread so Scheduler.Tick's timeslice-expiry check exempts it the
// way the teacher's is_worker_thread(curr) predicate does
// (original_source/kernel/sched.c, sched_account_ticks: "their timeslice is
// unlimited and can [be] preempted only be another worker thread").
func (s *Scheduler) NewWorkerTask(tid int, ring *WorkerRing) *Task {
	t := &Task{
		TID:            tid,
		State:          TaskStateRunnable,
		IsKernelThread: true,
		IsWorkerThread: true,
	}

	ring.mu.Lock()
	ring.task = t
	ring.mu.Unlock()

	s.AddTask(t)
	return t
}

// Enqueue adds an item to the ring. It returns errors.EAGAIN if the ring is
// full, mirroring spec.md §4.3's "overflow returns a failure flag to the
// producer."
func (r *WorkerRing) Enqueue(item WorkItem) *errors.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.items) {
		return errors.EAGAIN
	}
	tail := (r.head + r.count) % len(r.items)
	r.items[tail] = item
	r.count++
	return nil
}

// Dequeue removes and returns the oldest item, or ok=false if the ring is
// empty.
func (r *WorkerRing) Dequeue() (item WorkItem, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return WorkItem{}, false
	}
	item = r.items[r.head]
	r.head = (r.head + 1) % len(r.items)
	r.count--
	return item, true
}

// Len reports the number of items currently queued.
func (r *WorkerRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// RunPending drains the ring, invoking every queued item in order. Worker
// tasks call this from their own run loop; it is factored out so tests can
// drive it synchronously without a real scheduler loop.
func (r *WorkerRing) RunPending() int {
	n := 0
	for {
		item, ok := r.Dequeue()
		if !ok {
			return n
		}
		item.Func(item.Arg)
		n++
	}
}
