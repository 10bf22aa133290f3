package grid

// PaletteTag packs the character set (low nibble) and color mode (high
// nibble) into the single wire byte. The tag affects how a decoded grid is
// rendered, never how it is compressed; the core treats it as opaque beyond
// round-tripping it through the wire format.
type PaletteTag uint8

// CharSet identifies the character palette used to render brightness.
type CharSet uint8

// Character sets, coarsest to densest.
const (
	CharSetStandard CharSet = 0 // " .:-=+*#%@"
	CharSetDense    CharSet = 1 // 70-symbol ramp
	CharSetBlocks   CharSet = 2 // block elements, smooth gradients
	CharSetDetailed CharSet = 3 // 45-symbol ramp with Unicode shading
)

// ColorMode identifies the terminal color treatment applied at render time.
type ColorMode uint8

// Color modes.
const (
	ColorNone   ColorMode = 0
	ColorPurple ColorMode = 1
	ColorBlue   ColorMode = 2
	ColorGreen  ColorMode = 3
	ColorRGB    ColorMode = 4
)

// NewPaletteTag combines a character set and color mode into one wire byte.
func NewPaletteTag(cs CharSet, cm ColorMode) PaletteTag {
	return PaletteTag(uint8(cs)&0x0F | uint8(cm)<<4)
}

// CharSet extracts the character set from the tag.
func (p PaletteTag) CharSet() CharSet { return CharSet(uint8(p) & 0x0F) }

// ColorMode extracts the color mode from the tag.
func (p PaletteTag) ColorMode() ColorMode { return ColorMode(uint8(p) >> 4) }

// Ramp returns the brightness-ordered character ramp for the set, darkest
// first. Rendering (mapping raster brightness onto the ramp) happens outside
// the core; the ramps live here so senders and receivers agree on symbols.
func (c CharSet) Ramp() []rune {
	switch c {
	case CharSetDense:
		return []rune(" .'`^\",:;Il!i><~+_-?][}{1)(|\\/tfjrxnuvczXYUJCLQ0OZmwqpdbkhao*#MW&8%B@$")
	case CharSetBlocks:
		return []rune(" ░▒▓█")
	case CharSetDetailed:
		return []rune(" .·'`,;:░^\"~-_+<>=*░!?/|\\()[]IiltrfjcvxnyuXYUJCLQ0OZmwqdbkhao#MW&8%B@$")
	default:
		return []rune(" .:-=+*#%@")
	}
}
