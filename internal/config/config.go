// Package config loads and validates the YAML configuration shared by the
// send and recv commands.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

// Config is the root configuration.
type Config struct {
	Log  Log  `yaml:"log"`
	Send Send `yaml:"send"`
	Recv Recv `yaml:"recv"`
}

// Log controls structured logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Stream describes the grid a sender produces.
type Stream struct {
	Width       uint16 `yaml:"width"`
	Height      uint16 `yaml:"height"`
	FPS         uint8  `yaml:"fps"`
	CharSet     string `yaml:"charset"`
	ColorMode   string `yaml:"colormode"`
	Compression string `yaml:"compression"`
}

// Send configures the sender side.
type Send struct {
	Stream           Stream        `yaml:"stream"`
	Transport        string        `yaml:"transport"`
	Addr             string        `yaml:"addr"`
	TickInterval     time.Duration `yaml:"tick"`
	KeyframeInterval int           `yaml:"keyframeInterval"`
	MaxPayload       int           `yaml:"maxPayload"`
	QueueSize        int           `yaml:"queueSize"`
}

// Ledger locates the ledger node for the watch side.
type Ledger struct {
	WSEndpoint   string        `yaml:"ws"`
	HTTPEndpoint string        `yaml:"http"`
	From         string        `yaml:"from"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// Playback bounds the viewer-side buffer.
type Playback struct {
	Capacity   int `yaml:"capacity"`
	Prefill    int `yaml:"prefill"`
	MaxRepeats int `yaml:"maxRepeats"`
}

// Recv configures the receiver side.
type Recv struct {
	Transport   string        `yaml:"transport"`
	Addr        string        `yaml:"addr"`
	Ledger      Ledger        `yaml:"ledger"`
	Filter      string        `yaml:"filter"`
	Playback    Playback      `yaml:"playback"`
	APIAddr     string        `yaml:"apiAddr"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// LoadFromFile reads, defaults, and validates a configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Load parses a configuration from YAML bytes.
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied and no file
// read.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	c.Log.setDefaults()
	c.Send.setDefaults()
	c.Recv.setDefaults()
}

func (l *Log) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

func (s *Stream) setDefaults() {
	if s.Width == 0 {
		s.Width = 80
	}
	if s.Height == 0 {
		s.Height = 24
	}
	if s.FPS == 0 {
		s.FPS = 10
	}
	if s.CharSet == "" {
		s.CharSet = "standard"
	}
	if s.ColorMode == "" {
		s.ColorMode = "none"
	}
	if s.Compression == "" {
		s.Compression = "auto"
	}
}

func (s *Send) setDefaults() {
	s.Stream.setDefaults()
	if s.Transport == "" {
		s.Transport = "quic"
	}
	if s.Addr == "" {
		s.Addr = "localhost:4433"
	}
	if s.TickInterval <= 0 {
		s.TickInterval = 400 * time.Millisecond
	}
	if s.KeyframeInterval <= 0 {
		s.KeyframeInterval = 30
	}
	if s.MaxPayload <= 0 {
		s.MaxPayload = 120_000
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 8
	}
}

func (r *Recv) setDefaults() {
	if r.Transport == "" {
		r.Transport = "quic"
	}
	if r.Addr == "" {
		r.Addr = ":4433"
	}
	if r.Ledger.PollInterval <= 0 {
		r.Ledger.PollInterval = 2 * time.Second
	}
	if r.Playback.Capacity <= 0 {
		r.Playback.Capacity = 8
	}
	if r.Playback.Prefill <= 0 {
		r.Playback.Prefill = 3
	}
	if r.Playback.MaxRepeats <= 0 {
		r.Playback.MaxRepeats = 10
	}
	if r.APIAddr == "" {
		r.APIAddr = ":8080"
	}
	if r.IdleTimeout <= 0 {
		r.IdleTimeout = 30 * time.Second
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var allErrors []error
	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Send.validate()...)
	allErrors = append(allErrors, c.Recv.validate()...)
	return writeErr(allErrors)
}

func (l *Log) validate() []error {
	var errs []error
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, l.Level) {
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn, or error", l.Level))
	}
	if !slices.Contains([]string{"text", "json"}, l.Format) {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", l.Format))
	}
	return errs
}

func (s *Stream) validate() []error {
	var errs []error
	if s.Width == 0 || s.Height == 0 {
		errs = append(errs, fmt.Errorf("stream dimensions %dx%d must be nonzero", s.Width, s.Height))
	}
	if _, err := ParseCharSet(s.CharSet); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseColorMode(s.ColorMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseCompression(s.Compression); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (s *Send) validate() []error {
	errs := s.Stream.validate()
	if !slices.Contains([]string{"quic", "loop"}, s.Transport) {
		errs = append(errs, fmt.Errorf("send.transport %q must be quic or loop", s.Transport))
	}
	if s.Transport == "quic" && s.Addr == "" {
		errs = append(errs, fmt.Errorf("send.addr required for quic transport"))
	}
	return errs
}

func (r *Recv) validate() []error {
	var errs []error
	if !slices.Contains([]string{"quic", "ledger"}, r.Transport) {
		errs = append(errs, fmt.Errorf("recv.transport %q must be quic or ledger", r.Transport))
	}
	if r.Transport == "ledger" && r.Ledger.HTTPEndpoint == "" {
		errs = append(errs, fmt.Errorf("recv.ledger.http required for ledger transport"))
	}
	return errs
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}

// ParseCharSet maps a config name to a character set.
func ParseCharSet(name string) (grid.CharSet, error) {
	switch strings.ToLower(name) {
	case "standard":
		return grid.CharSetStandard, nil
	case "dense":
		return grid.CharSetDense, nil
	case "blocks":
		return grid.CharSetBlocks, nil
	case "detailed":
		return grid.CharSetDetailed, nil
	default:
		return 0, fmt.Errorf("charset %q must be standard, dense, blocks, or detailed", name)
	}
}

// ParseColorMode maps a config name to a color mode.
func ParseColorMode(name string) (grid.ColorMode, error) {
	switch strings.ToLower(name) {
	case "none":
		return grid.ColorNone, nil
	case "purple":
		return grid.ColorPurple, nil
	case "blue":
		return grid.ColorBlue, nil
	case "green":
		return grid.ColorGreen, nil
	case "rgb":
		return grid.ColorRGB, nil
	default:
		return 0, fmt.Errorf("colormode %q must be none, purple, blue, green, or rgb", name)
	}
}

// ParseCompression maps a config name to a compression strategy.
func ParseCompression(name string) (grid.Compression, error) {
	switch strings.ToLower(name) {
	case "none":
		return grid.CompressionNone, nil
	case "rle":
		return grid.CompressionRunLength, nil
	case "delta":
		return grid.CompressionDelta, nil
	case "zlib":
		return grid.CompressionZlib, nil
	case "auto":
		return grid.CompressionAuto, nil
	default:
		return 0, fmt.Errorf("compression %q must be none, rle, delta, zlib, or auto", name)
	}
}

// Metadata builds the stream metadata from the send configuration.
func (s *Send) Metadata() (grid.Metadata, error) {
	cs, err := ParseCharSet(s.Stream.CharSet)
	if err != nil {
		return grid.Metadata{}, err
	}
	cm, err := ParseColorMode(s.Stream.ColorMode)
	if err != nil {
		return grid.Metadata{}, err
	}
	comp, err := ParseCompression(s.Stream.Compression)
	if err != nil {
		return grid.Metadata{}, err
	}
	return grid.Metadata{
		FPS:         s.Stream.FPS,
		Width:       s.Stream.Width,
		Height:      s.Stream.Height,
		Compression: comp,
		Palette:     grid.NewPaletteTag(cs, cm),
	}, nil
}
