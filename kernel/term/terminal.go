package term

import "sync"

// Terminal is spec.md §4.5's VT100-compatible cell terminal: a cursor over
// a cellBuffer, an alt screen buffer, a scroll region, and an ANSI/CSI
// escape-sequence parser driving the same action set the teacher's
// video_term.c/term_actions.c.h name (term_action_move_cur,
// term_action_erase_in_line, term_action_use_alt_buffer, ...), generalized
// here into methods on Terminal instead of free functions taking a *vterm.
type Terminal struct {
	mu sync.Mutex

	disp   Display
	width  uint16
	height uint16

	main *cellBuffer
	alt  *cellBuffer
	buf  *cellBuffer // the buffer currently in use: main or alt

	row, col   uint16
	savedRow   uint16
	savedCol   uint16
	usingAlt   bool
	curAttr    Attr
	scrollTop  uint16
	scrollBot  uint16 // inclusive
	cursorShow bool

	parser csiParser
	queue  actionQueue
}

// actionQueueCapacity bounds the action queue sitting between parsing and
// application; a writer that outruns the consumer drops actions rather than
// blocking (spec.md's terminal design notes: "overflow is observable at
// producer side").
const actionQueueCapacity = 4096

// NewTerminal creates a Terminal of width x height rendering onto disp,
// with a scrollback capacity of scrollbackRows lines on the main buffer.
func NewTerminal(disp Display, width, height uint16, scrollbackRows int) *Terminal {
	t := &Terminal{
		disp:       disp,
		width:      width,
		height:     height,
		main:       newCellBuffer(width, height, scrollbackRows),
		alt:        newCellBuffer(width, height, 0),
		curAttr:    clearColor,
		scrollBot:  height - 1,
		cursorShow: true,
		queue:      newActionQueue(actionQueueCapacity),
	}
	t.buf = t.main
	return t
}

// Write feeds raw output bytes (as a process's stdout would) through the CSI
// parser, queues each resulting action, then drains the queue into apply.
// It reports whether every parsed action was accepted by the queue; false
// means one or more actions were dropped because the queue was full, which
// a caller holding many concurrent writers (several processes sharing one
// controlling terminal) can use as backpressure.
func (t *Terminal) Write(p []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ok := true
	for _, b := range p {
		if act, done := t.parser.feed(b); done {
			if !t.queue.push(act) {
				ok = false
				continue
			}
		}
	}
	for {
		act, has := t.queue.pop()
		if !has {
			break
		}
		t.apply(act)
	}
	t.buf.flush(t.disp)
	return ok
}

func (t *Terminal) apply(a action) {
	switch a.kind {
	case actPrint:
		t.printChar(a.ch)
	case actCR:
		t.col = 0
	case actLF:
		t.newline()
	case actBS:
		if t.col > 0 {
			t.col--
		}
	case actTab:
		next := (t.col/8 + 1) * 8
		if next >= t.width {
			next = t.width - 1
		}
		t.col = next
	case actCursorMove:
		t.moveCursor(a.row, a.col)
	case actCursorRel:
		t.moveCursorRel(a.dRow, a.dCol)
	case actEraseDisplay:
		t.eraseInDisplay(a.mode)
	case actEraseLine:
		t.eraseInLine(a.mode)
	case actSGR:
		t.curAttr = Attr(a.mode)
	case actSetScrollRegion:
		t.setScrollRegion(a.row, a.col)
	case actUseAltBuffer:
		t.useAltBuffer(a.mode != 0)
	case actInsertLines:
		t.insertLines(int(a.mode))
	case actDeleteLines:
		t.deleteLines(int(a.mode))
	case actShowCursor:
		t.cursorShow = a.mode != 0
	}
}

func (t *Terminal) printChar(ch byte) {
	t.buf.set(t.col, t.row, ch, t.curAttr)
	t.col++
	if t.col >= t.width {
		t.col = 0
		t.newline()
	}
}

// newline advances the cursor to the next row, scrolling the active scroll
// region up by one line once the cursor falls off its bottom edge.
func (t *Terminal) newline() {
	if t.row == t.scrollBot {
		t.buf.scrollUp(int(t.scrollTop), int(t.scrollBot)+1, 1)
		return
	}
	if t.row < t.height-1 {
		t.row++
	}
}

func (t *Terminal) moveCursor(row, col uint16) {
	if row >= t.height {
		row = t.height - 1
	}
	if col >= t.width {
		col = t.width - 1
	}
	t.row, t.col = row, col
}

func (t *Terminal) moveCursorRel(dRow, dCol int16) {
	r := int16(t.row) + dRow
	c := int16(t.col) + dCol
	if r < 0 {
		r = 0
	}
	if c < 0 {
		c = 0
	}
	t.moveCursor(uint16(r), uint16(c))
}

// eraseInDisplay implements CSI n J (spec.md §4.5): 0 = cursor to end,
// 1 = start to cursor, 2 = whole screen.
func (t *Terminal) eraseInDisplay(mode int) {
	switch mode {
	case 0:
		t.clearRange(t.col, t.row, t.width, t.row)
		t.clearRows(t.row+1, t.height-1)
	case 1:
		if t.row > 0 {
			t.clearRows(0, t.row-1)
		}
		t.clearRange(0, t.row, t.col+1, t.row)
	case 2:
		t.clearRows(0, t.height-1)
	}
}

// eraseInLine implements CSI n K: 0 = cursor to end of line, 1 = start to
// cursor, 2 = whole line.
func (t *Terminal) eraseInLine(mode int) {
	switch mode {
	case 0:
		t.clearRange(t.col, t.row, t.width, t.row)
	case 1:
		t.clearRange(0, t.row, t.col+1, t.row)
	case 2:
		t.clearRange(0, t.row, t.width, t.row)
	}
}

func (t *Terminal) clearRange(xStart, yStart, xEnd, yEnd uint16) {
	for y := yStart; y <= yEnd && y < t.height; y++ {
		for x := xStart; x < xEnd && x < t.width; x++ {
			t.buf.set(x, y, ' ', clearColor)
		}
	}
}

func (t *Terminal) clearRows(from, to uint16) {
	if to >= t.height {
		to = t.height - 1
	}
	for y := from; y <= to; y++ {
		for x := uint16(0); x < t.width; x++ {
			t.buf.set(x, y, ' ', clearColor)
		}
	}
}

// setScrollRegion implements CSI start;end r, clamped to the buffer's
// bounds, matching term_action_set_scroll_region.
func (t *Terminal) setScrollRegion(start, end uint16) {
	if end == 0 || end > t.height {
		end = t.height
	}
	if start == 0 {
		start = 1
	}
	if start >= end {
		return
	}
	t.scrollTop = start - 1
	t.scrollBot = end - 1
}

// useAltBuffer implements term_action_use_alt_buffer: switching in saves
// the cursor and swaps the active buffer pointer; switching out restores
// both. Scroll region and scrollback stay tied to the main buffer always
// (the alt buffer never accumulates scrollback, spec.md §4.5).
func (t *Terminal) useAltBuffer(use bool) {
	if t.usingAlt == use {
		return
	}
	if use {
		t.savedRow, t.savedCol = t.row, t.col
		t.buf = t.alt
		t.clearRows(0, t.height-1)
	} else {
		t.buf = t.main
		t.row, t.col = t.savedRow, t.savedCol
	}
	t.usingAlt = use
}

// insertLines implements CSI n L: shift the scroll region's rows from the
// cursor down by n, discarding what falls off the bottom.
func (t *Terminal) insertLines(n int) {
	if n <= 0 || t.row > t.scrollBot {
		return
	}
	t.col = 0
	t.buf.scrollDown(int(t.row), int(t.scrollBot)+1, n)
}

// deleteLines implements CSI n M: shift rows from the cursor up by n,
// filling the vacated bottom rows with blanks.
func (t *Terminal) deleteLines(n int) {
	if n <= 0 || t.row > t.scrollBot {
		return
	}
	t.col = 0
	t.buf.scrollUp(int(t.row), int(t.scrollBot)+1, n)
}

// CursorPosition returns the current (col, row), 0-indexed.
func (t *Terminal) CursorPosition() (uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.col, t.row
}

// CursorVisible reports whether DECTCEM has left the cursor shown.
func (t *Terminal) CursorVisible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursorShow
}

// Cell returns the glyph/attribute currently at (x, y) on the active
// buffer, for tests to assert rendered content without a real screen.
func (t *Terminal) Cell(x, y uint16) Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.get(x, y)
}
