package sched

import "testing"

func TestAllocateIDPicksLowestAfterCurrentMax(t *testing.T) {
	existing := []idSample{{tid: 0, pgid: -1, sid: -1}, {tid: 1, pgid: -1, sid: -1}}
	got := allocateID(existing, 1, MaxPID)
	if got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestAllocateIDReusesHole(t *testing.T) {
	existing := []idSample{{tid: 0, pgid: -1, sid: -1}, {tid: 2, pgid: -1, sid: -1}}
	got := allocateID(existing, -1, MaxPID)
	// current_max starts at -1 so lowest_after_current_max starts at 0,
	// which is occupied; it should advance past the hole search to 1,
	// the true lowest available id.
	if got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestAllocateIDSkipsReservedPgidSid(t *testing.T) {
	// tid 3 has no living main thread (its session leader died), but task 5
	// still carries pgid == sid == 3: id 3 must not be handed out again, or
	// the new process would accidentally become a leader of that orphaned
	// group/session.
	existing := []idSample{
		{tid: 0, pgid: -1, sid: -1},
		{tid: 1, pgid: -1, sid: -1},
		{tid: 2, pgid: -1, sid: -1},
		{tid: 4, pgid: -1, sid: -1},
		{tid: 5, pgid: 3, sid: 3},
	}
	// currentMax pushes lowest_after_current_max out of range so the
	// fallback lowest_available path (the one that does the pgid/sid
	// checking) is exercised.
	got := allocateID(existing, MaxPID, MaxPID)
	if got == 3 {
		t.Fatalf("allocator handed out a reserved pgid/sid: %d", got)
	}
	if got != 6 {
		t.Fatalf("expected the first truly free id (past 0-2,4-5 and the orphaned group at 3), got %d", got)
	}
}

func TestAllocateIDRetriesAfterCurrentMaxCollision(t *testing.T) {
	// tid 1 reserves pgid 3 (its own future self-bump target) and tid 4
	// reserves pgid 2; starting lowest_after_current_max at 1 walks
	// 1->2->3 via two separate bumps. The second bump must not be handed
	// out without re-validating it against every sample again: 3 is tid
	// 1's live pgid, a reserved group id, exactly what bumpIfMatches's
	// contract forbids returning.
	existing := []idSample{
		{tid: 1, pgid: 3, sid: 999},
		{tid: 4, pgid: 2, sid: 999},
	}
	got := allocateID(existing, 0, MaxPID)
	if got == 3 || got == 2 {
		t.Fatalf("allocator handed out a reserved pgid: %d", got)
	}
	if got != 5 {
		t.Fatalf("expected the first id past every tid/pgid/sid collision (5), got %d", got)
	}
}

func TestAllocateIDExhausted(t *testing.T) {
	got := allocateID(nil, MaxPID, MaxPID)
	if got != 0 {
		t.Fatalf("expected fallback to lowest available id 0, got %d", got)
	}

	got = allocateID([]idSample{{tid: 0, pgid: -1, sid: -1}}, 0, 0)
	if got != -1 {
		t.Fatalf("expected -1 on exhaustion, got %d", got)
	}
}
