package grid

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// Text adapts a line-oriented reader into a frame source: each line scrolls
// onto the bottom of the grid, tail style. Lines longer than the grid width
// are truncated, shorter ones padded with spaces.
type Text struct {
	width  uint16
	height uint16
	lines  chan string

	mu     sync.Mutex
	screen []string
}

// NewText starts reading r in the background. The reader goroutine exits at
// EOF or read error, after which Next drains pending lines and then reports
// io.EOF.
func NewText(r io.Reader, width, height uint16) *Text {
	t := &Text{
		width:  width,
		height: height,
		lines:  make(chan string, 64),
	}
	go func() {
		defer close(t.lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			t.lines <- sc.Text()
		}
	}()
	return t
}

// Next blocks for the next input line, scrolls it in, and returns the
// resulting screen.
func (t *Text) Next(ctx context.Context) ([]rune, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return nil, io.EOF
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.screen = append(t.screen, line)
		if len(t.screen) > int(t.height) {
			t.screen = t.screen[len(t.screen)-int(t.height):]
		}
		return t.render(), nil
	}
}

func (t *Text) render() []rune {
	w, h := int(t.width), int(t.height)
	out := make([]rune, w*h)
	for i := range out {
		out[i] = ' '
	}
	// Text fills from the bottom up, like a terminal.
	top := h - len(t.screen)
	for i, line := range t.screen {
		row := (top + i) * w
		for j, r := range []rune(line) {
			if j >= w {
				break
			}
			out[row+j] = r
		}
	}
	return out
}
