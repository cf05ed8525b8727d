package console

import (
	"testing"
	"unsafe"
)

// newTestFramebuffer backs a Framebuffer with plain heap memory sized for
// width x height pixels at the given pitch, mirroring the teacher's
// Vga{fb: make([]uint16, ...)} test setup.
func newTestFramebuffer(t *testing.T, width, height uint32) *Framebuffer {
	t.Helper()
	pitch := width * 4
	backing := make([]uint32, (pitch/4)*height)
	fb := &Framebuffer{}
	if err := fb.Init(uintptr(unsafe.Pointer(&backing[0])), width, height, pitch, 32); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return fb
}

func TestFramebufferInitRejectsUnsupportedBPP(t *testing.T) {
	backing := make([]uint32, 16)
	fb := &Framebuffer{}
	if err := fb.Init(uintptr(unsafe.Pointer(&backing[0])), 16, 16, 64, 24); err == nil {
		t.Fatal("expected Init to reject a non-32bpp framebuffer")
	}
}

func TestFramebufferDimensionsInCells(t *testing.T) {
	fb := newTestFramebuffer(t, 640, 480)
	cols, rows := fb.Dimensions()
	if cols != 640/CellWidth || rows != 480/CellHeight {
		t.Fatalf("expected (%d, %d) cells, got (%d, %d)", 640/CellWidth, 480/CellHeight, cols, rows)
	}
}

func TestFramebufferWriteFillsCellBlock(t *testing.T) {
	fb := newTestFramebuffer(t, 640, 480)
	fb.Write('A', Red, Black, 2, 3)

	baseX, baseY := uint32(2)*CellWidth, uint32(3)*CellHeight
	for row := uint32(0); row < CellHeight; row++ {
		for col := uint32(0); col < CellWidth; col++ {
			got := fb.px[(baseY+row)*fb.strideW+baseX+col]
			if got != uint32(Red) {
				t.Fatalf("expected cell (2,3) pixel (%d,%d) to be Red, got %x", col, row, got)
			}
		}
	}
	// One pixel outside the cell must be untouched.
	if fb.px[baseY*fb.strideW+baseX+CellWidth] != 0 {
		t.Fatal("expected Write to leave the neighboring cell untouched")
	}
}

func TestFramebufferWriteSpaceUsesBackground(t *testing.T) {
	fb := newTestFramebuffer(t, 640, 480)
	fb.Write(' ', Red, Blue, 0, 0)
	if fb.px[0] != uint32(Blue) {
		t.Fatalf("expected a space character to paint the background color, got %x", fb.px[0])
	}
}

func TestFramebufferWriteOffScreenIsANoOp(t *testing.T) {
	fb := newTestFramebuffer(t, 640, 480)
	cols, rows := fb.Dimensions()
	fb.Write('!', Red, Black, cols, rows-1)
	fb.Write('!', Red, Black, 0, rows)

	for _, p := range fb.px {
		if p != 0 {
			t.Fatal("expected off-screen writes to leave the framebuffer untouched")
		}
	}
}

func TestFramebufferClearClipsToBounds(t *testing.T) {
	fb := newTestFramebuffer(t, 80*CellWidth, 25*CellHeight)
	for i := range fb.px {
		fb.px[i] = 0xDEADBEEF
	}

	fb.Clear(10, 10, 200, 200, Black)

	cols, rows := fb.Dimensions()
	for y := uint16(0); y < rows; y++ {
		for x := uint16(0); x < cols; x++ {
			inClearedRect := x >= 10 && y >= 10
			px := fb.px[uint32(y)*CellHeight*fb.strideW+uint32(x)*CellWidth]
			if inClearedRect && px != 0 {
				t.Fatalf("expected cell (%d,%d) to be cleared", x, y)
			}
			if !inClearedRect && px != 0xDEADBEEF {
				t.Fatalf("expected cell (%d,%d) to be untouched", x, y)
			}
		}
	}
}

func TestFramebufferScrollUp(t *testing.T) {
	fb := newTestFramebuffer(t, 80*CellWidth, 4*CellHeight)
	cols, rows := fb.Dimensions()
	for y := uint16(0); y < rows; y++ {
		fb.Write(byte('A'+y), Color(uint32(y)+1), Black, 0, y)
	}

	fb.Scroll(Up, 1)

	for y := uint16(0); y < rows-1; y++ {
		got := fb.px[uint32(y)*CellHeight*fb.strideW]
		if got != uint32(y)+2 {
			t.Fatalf("expected row %d to hold former row %d's color, got %x", y, y+1, got)
		}
	}
	_ = cols
}

func TestConsolePutCharAdvancesCursorAndWraps(t *testing.T) {
	fb := newTestFramebuffer(t, 4*CellWidth, 3*CellHeight)
	c := &Console{fb: *fb}
	c.fg, c.bg = LightGrey, Black

	for _, ch := range []byte("ABCDE") {
		c.PutChar(ch)
	}

	// "ABCD" fills row 0 (4 cols), 'E' wraps to row 1 col 0.
	if c.row != 1 || c.col != 1 {
		t.Fatalf("expected cursor at (1,1) after 5 chars on a 4-col console, got (%d,%d)", c.col, c.row)
	}
}

func TestConsolePutCharScrollsOnOverflow(t *testing.T) {
	fb := newTestFramebuffer(t, 2*CellWidth, 2*CellHeight)
	c := &Console{fb: *fb}
	c.fg, c.bg = LightGrey, Black

	for _, ch := range []byte("AB\nCD\nEF") {
		c.PutChar(ch)
	}

	if c.row != 1 {
		t.Fatalf("expected the cursor to stay pinned at the last row after overflow, got row=%d", c.row)
	}
}

func TestConsoleSetColorsAffectsSubsequentWrites(t *testing.T) {
	fb := newTestFramebuffer(t, 4*CellWidth, 4*CellHeight)
	c := &Console{fb: *fb}
	c.SetColors(Green, Black)
	c.PutChar('X')

	if got := c.fb.px[0]; got != uint32(Green) {
		t.Fatalf("expected the character to be painted with SetColors' fg, got %x", got)
	}
}
