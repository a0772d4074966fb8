// Package term implements spec.md §4.5's terminal and TTY layer: a
// cell-buffer display with scrollback, a VT100/ANSI escape-sequence parser,
// and the line-discipline/termios contract syscalls see.
//
// The display side generalizes the teacher's video/console package: the
// same Dimensions/Clear/Scroll/Write shape, but against a cell grid kept in
// plain Go memory (this is a hosted kernel with no real framebuffer)
// instead of an unsafe.Pointer cast over a physical address.
package term

import "sync"

// Attr is a color attribute, encoded the same way the teacher's EGA console
// packed foreground/background nibbles (spec.md §4.5 doesn't mandate a
// particular encoding, so the existing one is kept).
type Attr uint16

const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// ScrollDir is the direction a Display's Scroll call should shift content.
type ScrollDir uint8

const (
	Up ScrollDir = iota
	Down
)

// Display is the physical (or, here, host-simulated) output device a
// Terminal renders onto. Any backend implementing this can drive a Terminal:
// MemoryDisplay is the one this module ships, but a real framebuffer or a
// host terminal emulator could implement it too.
type Display interface {
	Dimensions() (uint16, uint16)
	Clear(x, y, width, height uint16)
	Scroll(dir ScrollDir, lines uint16)
	Write(ch byte, attr Attr, x, y uint16)
}

const (
	clearColor = Black
	clearChar  = byte(' ')
)

// MemoryDisplay implements Display over a plain in-memory cell grid. It is
// the hosted stand-in for the teacher's Ega console, which mapped the same
// operations onto a real EGA text-mode framebuffer via an unsafe pointer
// cast; here the "framebuffer" is just a slice this process owns.
type MemoryDisplay struct {
	mu sync.Mutex

	width  uint16
	height uint16
	cells  []uint16 // packed (attr<<8)|ch, one per cell, row-major
}

// NewMemoryDisplay allocates a width x height cell grid, cleared to
// clearColor/clearChar.
func NewMemoryDisplay(width, height uint16) *MemoryDisplay {
	d := &MemoryDisplay{width: width, height: height, cells: make([]uint16, int(width)*int(height))}
	d.Clear(0, 0, width, height)
	return d
}

func (d *MemoryDisplay) Dimensions() (uint16, uint16) {
	return d.width, d.height
}

// Clear clears the specified rectangular region, clipped to the display's
// bounds.
func (d *MemoryDisplay) Clear(x, y, width, height uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	attr := uint16((clearColor << 4) | clearColor)
	clr := attr | uint16(clearChar)

	if x >= d.width || y >= d.height {
		return
	}
	if x+width > d.width {
		width = d.width - x
	}
	if y+height > d.height {
		height = d.height - y
	}

	rowOffset := y*d.width + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+d.width {
		for colOffset := rowOffset; colOffset < rowOffset+width; colOffset++ {
			d.cells[colOffset] = clr
		}
	}
}

// Scroll shifts the whole grid lines rows up or down, leaving the vacated
// rows untouched (callers Clear them separately, matching spec.md §4.5's
// scroll-then-clear-new-line sequence).
func (d *MemoryDisplay) Scroll(dir ScrollDir, lines uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if lines == 0 || lines > d.height {
		return
	}

	offset := lines * d.width
	switch dir {
	case Up:
		var i uint16
		for ; i < (d.height-lines)*d.width; i++ {
			d.cells[i] = d.cells[i+offset]
		}
	case Down:
		for i := d.height*d.width - 1; i >= lines*d.width; i-- {
			d.cells[i] = d.cells[i-offset]
		}
	}
}

// Write sets one cell's glyph and attribute; out-of-bounds coordinates are
// silently ignored.
func (d *MemoryDisplay) Write(ch byte, attr Attr, x, y uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if x >= d.width || y >= d.height {
		return
	}
	d.cells[y*d.width+x] = (uint16(attr) << 8) | uint16(ch)
}

// Cell returns the (char, attr) pair currently at (x, y); tests use this to
// assert on rendered content without a real screen to look at.
func (d *MemoryDisplay) Cell(x, y uint16) (byte, Attr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if x >= d.width || y >= d.height {
		return 0, 0
	}
	v := d.cells[y*d.width+x]
	return byte(v), Attr(v >> 8)
}
