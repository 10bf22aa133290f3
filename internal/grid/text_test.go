package grid

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestTextScrollsFromBottom(t *testing.T) {
	t.Parallel()

	src := NewText(strings.NewReader("ab\ncd\nef\n"), 3, 2)
	ctx := context.Background()

	cells, err := src.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(cells); got != "   ab " {
		t.Fatalf("first frame = %q", got)
	}

	if _, err := src.Next(ctx); err != nil {
		t.Fatal(err)
	}
	cells, err = src.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Two lines fill the grid; the oldest scrolled off.
	if got := string(cells); got != "cd ef " {
		t.Fatalf("third frame = %q", got)
	}

	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("after EOF: err = %v", err)
	}
}

func TestTextTruncatesLongLines(t *testing.T) {
	t.Parallel()

	src := NewText(strings.NewReader("abcdef\n"), 4, 1)
	cells, err := src.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := string(cells); got != "abcd" {
		t.Fatalf("frame = %q", got)
	}
}

func TestTextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewText(blockReader{}, 2, 2)
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

// blockReader never returns, standing in for a quiet stdin.
type blockReader struct{}

func (blockReader) Read([]byte) (int, error) { select {} }
