package term

// actionKind identifies what apply() should do with a parsed action.
type actionKind int

const (
	actPrint actionKind = iota
	actCR
	actLF
	actBS
	actTab
	actCursorMove
	actCursorRel
	actEraseDisplay
	actEraseLine
	actSGR
	actSetScrollRegion
	actUseAltBuffer
	actInsertLines
	actDeleteLines
	actShowCursor
)

// action is one fully-parsed terminal operation, the Go analogue of the
// teacher's term_action_* call (spec.md §4.5): parsing and action
// dispatch are separated into their own stages the same way video_term.c
// separates escape-sequence recognition from term_actions.c.h's appliers.
type action struct {
	kind     actionKind
	ch       byte
	row, col uint16
	dRow     int16
	dCol     int16
	mode     int
}

// parserState is the CSI parser's state machine (spec.md §4.5's escape
// sequence handling): plain text is printed as-is; ESC enters escape mode;
// ESC [ enters CSI mode and accumulates numeric parameters until a final
// byte in 0x40-0x7E ends the sequence.
type parserState int

const (
	stateGround parserState = iota
	stateEscape
	stateCSI
)

// csiParser consumes one byte at a time and, once a full action has been
// recognized, returns it via feed's second return value.
type csiParser struct {
	state  parserState
	params []int
	cur    int
	haveCur bool
	private byte // '?' for DEC private sequences, 0 otherwise
}

func (p *csiParser) reset() {
	p.state = stateGround
	p.params = p.params[:0]
	p.cur = 0
	p.haveCur = false
	p.private = 0
}

// feed advances the state machine by one byte, returning the action it
// completes (if any) and whether one was produced.
func (p *csiParser) feed(b byte) (action, bool) {
	switch p.state {
	case stateGround:
		return p.feedGround(b)
	case stateEscape:
		return p.feedEscape(b)
	case stateCSI:
		return p.feedCSI(b)
	}
	return action{}, false
}

func (p *csiParser) feedGround(b byte) (action, bool) {
	switch b {
	case 0x1b:
		p.state = stateEscape
		return action{}, false
	case '\r':
		return action{kind: actCR}, true
	case '\n':
		return action{kind: actLF}, true
	case '\b':
		return action{kind: actBS}, true
	case '\t':
		return action{kind: actTab}, true
	default:
		return action{kind: actPrint, ch: b}, true
	}
}

func (p *csiParser) feedEscape(b byte) (action, bool) {
	if b == '[' {
		p.state = stateCSI
		p.params = p.params[:0]
		p.cur = 0
		p.haveCur = false
		p.private = 0
		return action{}, false
	}
	// Unsupported two-byte escape sequences are swallowed silently: this
	// module targets the CSI subset spec.md §4.5 actually names.
	p.reset()
	return action{}, false
}

func (p *csiParser) feedCSI(b byte) (action, bool) {
	switch {
	case b == '?' && len(p.params) == 0 && !p.haveCur:
		p.private = '?'
		return action{}, false
	case b >= '0' && b <= '9':
		p.cur = p.cur*10 + int(b-'0')
		p.haveCur = true
		return action{}, false
	case b == ';':
		p.params = append(p.params, p.cur)
		p.cur = 0
		p.haveCur = false
		return action{}, false
	case b >= 0x40 && b <= 0x7e:
		if p.haveCur || len(p.params) == 0 {
			p.params = append(p.params, p.cur)
		}
		act, ok := p.finalize(b)
		p.reset()
		return act, ok
	default:
		// Malformed sequence: bail back to ground rather than get stuck.
		p.reset()
		return action{}, false
	}
}

func (p *csiParser) param(i int, def int) int {
	if i >= len(p.params) {
		return def
	}
	if p.params[i] == 0 {
		return def
	}
	return p.params[i]
}

// finalize turns the accumulated CSI parameters plus the final byte into an
// action, covering the subset of ECMA-48/VT100 sequences spec.md §4.5
// names: cursor movement (CUP/CUU/CUD/CUF/CUB), erase (ED/EL), SGR, scroll
// region (DECSTBM), alt screen (DEC private 1049/47), insert/delete lines
// (IL/DL), and cursor visibility (DECTCEM).
func (p *csiParser) finalize(final byte) (action, bool) {
	switch final {
	case 'H', 'f':
		row := p.param(0, 1)
		col := p.param(1, 1)
		return action{kind: actCursorMove, row: uint16(row - 1), col: uint16(col - 1)}, true
	case 'A':
		return action{kind: actCursorRel, dRow: -int16(p.param(0, 1))}, true
	case 'B':
		return action{kind: actCursorRel, dRow: int16(p.param(0, 1))}, true
	case 'C':
		return action{kind: actCursorRel, dCol: int16(p.param(0, 1))}, true
	case 'D':
		return action{kind: actCursorRel, dCol: -int16(p.param(0, 1))}, true
	case 'J':
		return action{kind: actEraseDisplay, mode: p.param(0, 0)}, true
	case 'K':
		return action{kind: actEraseLine, mode: p.param(0, 0)}, true
	case 'm':
		return action{kind: actSGR, mode: p.param(0, 0)}, true
	case 'r':
		start := p.param(0, 0)
		end := p.param(1, 0)
		return action{kind: actSetScrollRegion, row: uint16(start), col: uint16(end)}, true
	case 'L':
		return action{kind: actInsertLines, mode: p.param(0, 1)}, true
	case 'M':
		return action{kind: actDeleteLines, mode: p.param(0, 1)}, true
	case 'h', 'l':
		on := final == 'h'
		if p.private == '?' {
			switch p.param(0, 0) {
			case 25: // DECTCEM cursor show/hide
				return action{kind: actShowCursor, mode: boolToInt(on)}, true
			case 1049, 47: // alternate screen buffer
				return action{kind: actUseAltBuffer, mode: boolToInt(on)}, true
			}
		}
		return action{}, false
	default:
		return action{}, false
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
