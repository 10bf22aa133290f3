package grid

import (
	"context"
	"testing"
)

func TestMetadataValidate(t *testing.T) {
	t.Parallel()

	valid := Metadata{
		FPS:            10,
		Width:          80,
		Height:         24,
		Compression:    CompressionAuto,
		Palette:        NewPaletteTag(CharSetStandard, ColorNone),
		FramesPerBatch: 4,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Metadata)
	}{
		{"zero width", func(m *Metadata) { m.Width = 0 }},
		{"zero height", func(m *Metadata) { m.Height = 0 }},
		{"zero fps", func(m *Metadata) { m.FPS = 0 }},
		{"bad compression", func(m *Metadata) { m.Compression = Compression(9) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			md := valid
			tt.mutate(&md)
			if err := md.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPaletteTagRoundTrip(t *testing.T) {
	t.Parallel()

	for _, cs := range []CharSet{CharSetStandard, CharSetDense, CharSetBlocks, CharSetDetailed} {
		for _, cm := range []ColorMode{ColorNone, ColorPurple, ColorBlue, ColorGreen, ColorRGB} {
			tag := NewPaletteTag(cs, cm)
			if tag.CharSet() != cs || tag.ColorMode() != cm {
				t.Errorf("tag %v unpacked to %v/%v, want %v/%v",
					tag, tag.CharSet(), tag.ColorMode(), cs, cm)
			}
		}
	}
}

func TestCharSetRampsNonEmpty(t *testing.T) {
	t.Parallel()

	for _, cs := range []CharSet{CharSetStandard, CharSetDense, CharSetBlocks, CharSetDetailed} {
		if len(cs.Ramp()) < 2 {
			t.Errorf("charset %d ramp too short", cs)
		}
	}
}

func TestBatchKeyframe(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionNone, CompressionRunLength, CompressionZlib} {
		b := Batch{Metadata: Metadata{Compression: c}}
		if !b.IsKeyframe() {
			t.Errorf("%s batch should be a keyframe", c)
		}
	}
	b := Batch{Metadata: Metadata{Compression: CompressionDelta}}
	if b.IsKeyframe() {
		t.Error("delta batch should not be a keyframe")
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	t.Parallel()

	a := NewSynthetic(16, 8, 42)
	b := NewSynthetic(16, 8, 42)
	for i := 0; i < 5; i++ {
		fa, err := a.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		fb, err := b.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(fa) != 16*8 {
			t.Fatalf("frame %d has %d cells, want %d", i, len(fa), 16*8)
		}
		if string(fa) != string(fb) {
			t.Fatalf("frame %d differs between equally seeded sources", i)
		}
	}
}
