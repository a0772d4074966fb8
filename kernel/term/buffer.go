package term

// Cell is one character cell: a glyph plus its display attribute.
type Cell struct {
	Ch   byte
	Attr Attr
}

// cellBuffer is the in-memory row/column grid a Terminal mutates before
// flushing to its Display, plus the scrollback ring spec.md §4.5 requires
// for the main buffer (the alt buffer carries none, matching real
// terminals: switching to the alt screen never touches scrollback).
type cellBuffer struct {
	width, height uint16
	rows          [][]Cell
	scrollback    [][]Cell
	scrollbackCap int
}

func newCellBuffer(width, height uint16, scrollbackCap int) *cellBuffer {
	b := &cellBuffer{width: width, height: height, scrollbackCap: scrollbackCap}
	b.rows = make([][]Cell, height)
	for i := range b.rows {
		b.rows[i] = b.blankRow()
	}
	return b
}

func (b *cellBuffer) blankRow() []Cell {
	row := make([]Cell, b.width)
	for i := range row {
		row[i] = Cell{Ch: ' ', Attr: clearColor}
	}
	return row
}

func (b *cellBuffer) set(x, y uint16, ch byte, attr Attr) {
	if x >= b.width || y >= b.height {
		return
	}
	b.rows[y][x] = Cell{Ch: ch, Attr: attr}
}

func (b *cellBuffer) get(x, y uint16) Cell {
	if x >= b.width || y >= b.height {
		return Cell{}
	}
	return b.rows[y][x]
}

// scrollUp shifts rows [start, end) up by n, pushing the rows that fall off
// the top into scrollback only when the scrolled region is the whole
// buffer's top (spec.md §4.5: a scroll-region-limited scroll never touches
// scrollback, matching real VT100 behavior).
func (b *cellBuffer) scrollUp(start, end, n int) {
	if n <= 0 {
		return
	}
	if n > end-start {
		n = end - start
	}

	if start == 0 && b.scrollbackCap > 0 {
		for i := 0; i < n; i++ {
			b.scrollback = append(b.scrollback, b.rows[i])
			if b.scrollbackCap > 0 && len(b.scrollback) > b.scrollbackCap {
				b.scrollback = b.scrollback[1:]
			}
		}
	}

	copy(b.rows[start:end], b.rows[start+n:end])
	for i := end - n; i < end; i++ {
		b.rows[i] = b.blankRow()
	}
}

func (b *cellBuffer) scrollDown(start, end, n int) {
	if n <= 0 {
		return
	}
	if n > end-start {
		n = end - start
	}
	copy(b.rows[start+n:end], b.rows[start:end-n])
	for i := start; i < start+n; i++ {
		b.rows[i] = b.blankRow()
	}
}

// flush writes every cell to disp. Callers use this after a burst of
// mutations rather than calling disp.Write per cell during parsing, so a
// Display backend sees one coherent frame instead of partial updates.
func (b *cellBuffer) flush(disp Display) {
	for y, row := range b.rows {
		for x, c := range row {
			disp.Write(c.Ch, c.Attr, uint16(x), uint16(y))
		}
	}
}
