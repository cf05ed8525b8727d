// Package console implements the minimal linear-framebuffer text sink used
// as the kernel shell's output surface: PutChar, scroll-on-overflow and
// SetColors, nothing else. Grounded on the teacher's
// driver/video/console/{ega,vga}.go (an fb []uint16 slice addressed by a
// row/col grid, with Clear/Scroll/Write doing the rectangle math), adapted
// from a 16-bit VGA text-mode cell (glyph index + attribute, rendered by
// hardware) to a fixed-size solid-color block per cell in a 32bpp linear
// pixel framebuffer, since font blitting is out of scope here.
package console

import (
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
)

// CellWidth and CellHeight are the fixed pixel dimensions of one text cell.
const (
	CellWidth  = 8
	CellHeight = 16
)

// Color is a packed 0xRRGGBB pixel value.
type Color uint32

// The palette PutChar/SetColors accept, kept for parity with the teacher's
// 16-entry EGA Attr enum even though nothing here depends on that encoding.
const (
	Black      Color = 0x000000
	Blue       Color = 0x0000AA
	Green      Color = 0x00AA00
	Cyan       Color = 0x00AAAA
	Red        Color = 0xAA0000
	Magenta    Color = 0xAA00AA
	Brown      Color = 0xAA5500
	LightGrey  Color = 0xAAAAAA
	Grey       Color = 0x555555
	LightBlue  Color = 0x5555FF
	LightGreen Color = 0x55FF55
	LightCyan  Color = 0x55FFFF
	LightRed   Color = 0xFF5555
	White      Color = 0xFFFFFF
)

// ScrollDir mirrors the teacher's console.ScrollDir.
type ScrollDir uint8

const (
	Up ScrollDir = iota
	Down
)

var errUnsupportedBPP = &kernel.Error{Module: "console", Message: "only 32bpp framebuffers are supported", Kind: kernel.KindInvalidArgument}

// Framebuffer is a linear pixel surface addressed by (row, col) text cells,
// the same shape as the teacher's Vga/Ega types but sized in pixels rather
// than 16-bit character cells.
type Framebuffer struct {
	widthPx  uint32
	heightPx uint32
	strideW  uint32 // pixels per scanline, from bootinfo's pitch/4

	cols uint16
	rows uint16

	px []uint32
}

// Init binds fb to the physical framebuffer described by addr/width/
// height/pitch, all as reported by kernel/bootinfo.FramebufferInfo.
func (fb *Framebuffer) Init(addr uintptr, width, height, pitch, bpp uint32) *kernel.Error {
	if bpp != 32 {
		return errUnsupportedBPP
	}

	fb.widthPx = width
	fb.heightPx = height
	fb.strideW = pitch / 4
	fb.cols = uint16(width / CellWidth)
	fb.rows = uint16(height / CellHeight)

	fb.px = unsafe.Slice((*uint32)(unsafe.Pointer(addr)), uint64(fb.strideW)*uint64(height))
	return nil
}

// Dimensions returns the framebuffer's size in text cells.
func (fb *Framebuffer) Dimensions() (uint16, uint16) {
	return fb.cols, fb.rows
}

func (fb *Framebuffer) fillPixelRect(x0, y0, w, h uint32, c Color) {
	for row := uint32(0); row < h; row++ {
		base := (y0+row)*fb.strideW + x0
		for col := uint32(0); col < w; col++ {
			fb.px[base+col] = uint32(c)
		}
	}
}

// Clear fills the rectangular region [x,y)..[x+width,y+height), in text
// cells, with bg. Out-of-range rectangles are clipped, matching the
// teacher's Vga.Clear.
func (fb *Framebuffer) Clear(x, y, width, height uint16, bg Color) {
	if x >= fb.cols {
		x = fb.cols
	}
	if y >= fb.rows {
		y = fb.rows
	}
	if x+width > fb.cols {
		width = fb.cols - x
	}
	if y+height > fb.rows {
		height = fb.rows - y
	}
	if width == 0 || height == 0 {
		return
	}

	fb.fillPixelRect(uint32(x)*CellWidth, uint32(y)*CellHeight, uint32(width)*CellWidth, uint32(height)*CellHeight, bg)
}

// Scroll moves the framebuffer's rows by lines cell-rows, discarding
// whatever moves off the top (Up) or bottom (Down); the vacated region is
// left untouched, matching the teacher's Vga.Scroll (callers Clear it).
func (fb *Framebuffer) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > fb.rows {
		return
	}

	rowPixels := uint32(lines) * CellHeight * fb.strideW
	total := uint32(fb.rows) * CellHeight * fb.strideW

	switch dir {
	case Up:
		copy(fb.px[:total-rowPixels], fb.px[rowPixels:total])
	case Down:
		for i := total - 1; i >= rowPixels; i-- {
			fb.px[i] = fb.px[i-rowPixels]
		}
	}
}

// Write renders ch at cell (x, y): a filled fg-colored block for any
// non-space character, bg otherwise. There is no glyph rendering — this is
// a text sink, not a font renderer.
func (fb *Framebuffer) Write(ch byte, fg, bg Color, x, y uint16) {
	if x >= fb.cols || y >= fb.rows {
		return
	}
	color := bg
	if ch != ' ' {
		color = fg
	}
	fb.fillPixelRect(uint32(x)*CellWidth, uint32(y)*CellHeight, CellWidth, CellHeight, color)
}

// Console layers a cursor and PutChar/SetColors on top of a Framebuffer,
// the surface kernel/shell writes diagnostics and prompts to.
type Console struct {
	fb Framebuffer

	col, row uint16
	fg, bg   Color
}

// Init binds the console to the physical framebuffer and resets the
// cursor and palette to their defaults.
func (c *Console) Init(addr uintptr, width, height, pitch, bpp uint32) *kernel.Error {
	if err := c.fb.Init(addr, width, height, pitch, bpp); err != nil {
		return err
	}
	c.fg, c.bg = LightGrey, Black
	c.fb.Clear(0, 0, c.fb.cols, c.fb.rows, c.bg)
	return nil
}

// SetColors changes the color PutChar uses for subsequent characters.
func (c *Console) SetColors(fg, bg Color) {
	c.fg, c.bg = fg, bg
}

// PutChar writes one byte at the cursor and advances it, wrapping to the
// next line and scrolling the framebuffer up by one row when the cursor
// would run past the last row.
func (c *Console) PutChar(ch byte) {
	switch ch {
	case '\n':
		c.newline()
		return
	case '\r':
		c.col = 0
		return
	}

	c.fb.Write(ch, c.fg, c.bg, c.col, c.row)
	c.col++
	if c.col >= c.fb.cols {
		c.newline()
	}
}

func (c *Console) newline() {
	c.col = 0
	c.row++
	if c.row >= c.fb.rows {
		c.fb.Scroll(Up, 1)
		c.fb.Clear(0, c.fb.rows-1, c.fb.cols, 1, c.bg)
		c.row = c.fb.rows - 1
	}
}

// Write implements io.Writer over PutChar, so a Console can be handed to
// kfmt as an output sink directly.
func (c *Console) Write(data []byte) (int, error) {
	for _, b := range data {
		c.PutChar(b)
	}
	return len(data), nil
}

// defaultConsole is the framebuffer console kmain binds during boot; the
// package-level functions below forward to it so callers that only ever
// deal with one physical framebuffer don't need to thread a *Console
// around.
var defaultConsole Console

// Init binds the package-level default console to the physical framebuffer
// described by addr/width/height/pitch/bpp, as reported by
// kernel/bootinfo.FramebufferInfo.
func Init(addr uintptr, width, height, pitch, bpp uint32) *kernel.Error {
	return defaultConsole.Init(addr, width, height, pitch, bpp)
}

// SetColors changes the default console's foreground/background palette.
func SetColors(fg, bg Color) {
	defaultConsole.SetColors(fg, bg)
}

// PutChar writes one byte to the default console.
func PutChar(ch byte) {
	defaultConsole.PutChar(ch)
}

// Default returns the package-level default console as an io.Writer.
func Default() *Console {
	return &defaultConsole
}
