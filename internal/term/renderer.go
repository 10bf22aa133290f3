// Package term renders character grids to an ANSI terminal.
package term

import (
	"fmt"
	"io"
	"strings"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

const (
	ansiHome  = "\x1b[H"
	ansiClear = "\x1b[2J"
	ansiReset = "\x1b[0m"
)

// Renderer draws frames in place, homing the cursor between frames so the
// grid repaints without scrolling.
type Renderer struct {
	w     io.Writer
	width int
	color string
	tint  func(rune) string
	first bool
}

// NewRenderer creates a renderer for the stream described by md.
func NewRenderer(w io.Writer, md grid.Metadata) *Renderer {
	r := &Renderer{
		w:     w,
		width: int(md.Width),
		first: true,
	}
	switch md.Palette.ColorMode() {
	case grid.ColorPurple:
		r.color = "\x1b[38;5;135m"
	case grid.ColorBlue:
		r.color = "\x1b[38;5;75m"
	case grid.ColorGreen:
		r.color = "\x1b[38;5;83m"
	case grid.ColorRGB:
		r.tint = brightnessTint(md.Palette.CharSet())
	}
	return r
}

// Render draws one frame. The first call clears the screen; later calls
// repaint in place.
func (r *Renderer) Render(f grid.Frame) error {
	var sb strings.Builder
	if r.first {
		sb.WriteString(ansiClear)
		r.first = false
	}
	sb.WriteString(ansiHome)
	if r.color != "" {
		sb.WriteString(r.color)
	}
	for i, cell := range f.Cells {
		if i > 0 && i%r.width == 0 {
			sb.WriteByte('\n')
		}
		if r.tint != nil {
			sb.WriteString(r.tint(cell))
		}
		sb.WriteRune(cell)
	}
	if r.color != "" || r.tint != nil {
		sb.WriteString(ansiReset)
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(r.w, sb.String())
	return err
}

// Status writes a one-line status below the grid.
func (r *Renderer) Status(format string, args ...any) error {
	_, err := fmt.Fprintf(r.w, "\x1b[K"+format+"\r", args...)
	return err
}

// brightnessTint maps each ramp symbol to a grayscale 24-bit foreground,
// approximating full-color output for charsets with a known ramp.
func brightnessTint(cs grid.CharSet) func(rune) string {
	ramp := cs.Ramp()
	level := make(map[rune]int, len(ramp))
	for i, sym := range ramp {
		level[sym] = 255 * i / max(len(ramp)-1, 1)
	}
	return func(cell rune) string {
		v, ok := level[cell]
		if !ok {
			v = 255
		}
		return fmt.Sprintf("\x1b[38;2;%d;%d;%dm", v, v, v)
	}
}
