package sched

import (
	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/errors"
)

// Exit transitions t to zombie and, once every task belonging to its process
// has exited, tears down the process's address space: every mapped frame's
// refcount is decremented and any frame reaching zero is returned to the
// allocator (spec.md §3, "destroyed on process teardown"), mirroring the
// pdir_destroy call the teacher's ELF loader makes when tearing down a
// process (original_source/kernel/elf.c).
func (s *Scheduler) Exit(t *Task) *errors.Errno {
	if err := s.ChangeState(t, TaskStateZombie); err != nil {
		return err
	}

	proc := t.Proc
	if proc == nil {
		return nil
	}

	for _, other := range proc.Tasks {
		if other.State != TaskStateZombie {
			return nil
		}
	}
	if proc.AddressSpace != nil {
		proc.AddressSpace.Destroy()
	}
	kernel.Log.WithFields(map[string]interface{}{
		"subsystem": "sched",
		"pid":       proc.PID,
	}).Info("process reaped, address space torn down")
	return nil
}
