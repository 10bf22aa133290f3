package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridcast-dev/gridcast/internal/config"
	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/playback"
	"github.com/gridcast-dev/gridcast/internal/reconstruct"
	"github.com/gridcast-dev/gridcast/internal/relay"
	"github.com/gridcast-dev/gridcast/internal/sender"
	"github.com/gridcast-dev/gridcast/internal/term"
	"github.com/gridcast-dev/gridcast/internal/transport"
)

func sendCmd(cfgPath *string) *cobra.Command {
	var (
		addr      string
		transp    string
		identity  string
		source    string
		width     uint16
		height    uint16
		fps       uint8
		compress  string
		charset   string
		colormode string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Capture and stream a synthetic character grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			applyFlag(cmd, "addr", &cfg.Send.Addr, addr)
			applyFlag(cmd, "transport", &cfg.Send.Transport, transp)
			applyFlag(cmd, "compression", &cfg.Send.Stream.Compression, compress)
			applyFlag(cmd, "charset", &cfg.Send.Stream.CharSet, charset)
			applyFlag(cmd, "colormode", &cfg.Send.Stream.ColorMode, colormode)
			if cmd.Flags().Changed("width") {
				cfg.Send.Stream.Width = width
			}
			if cmd.Flags().Changed("height") {
				cfg.Send.Stream.Height = height
			}
			if cmd.Flags().Changed("fps") {
				cfg.Send.Stream.FPS = fps
			}
			setupLogging(cfg.Log)
			return runSend(cfg, transport.Identity(identity), source)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "receiver address")
	cmd.Flags().StringVar(&transp, "transport", "", "transport: quic or loop")
	cmd.Flags().StringVar(&identity, "identity", "local", "sender identity announced on the wire")
	cmd.Flags().StringVar(&source, "source", "synthetic", "frame source: synthetic or stdin")
	cmd.Flags().Uint16Var(&width, "width", 0, "grid width in cells")
	cmd.Flags().Uint16Var(&height, "height", 0, "grid height in cells")
	cmd.Flags().Uint8Var(&fps, "fps", 0, "capture frame rate")
	cmd.Flags().StringVar(&compress, "compression", "", "compression: none, rle, delta, zlib, or auto")
	cmd.Flags().StringVar(&charset, "charset", "", "charset: standard, dense, blocks, or detailed")
	cmd.Flags().StringVar(&colormode, "colormode", "", "colormode: none, purple, blue, green, or rgb")

	return cmd
}

func applyFlag(cmd *cobra.Command, name string, dst *string, val string) {
	if cmd.Flags().Changed(name) {
		*dst = val
	}
}

func runSend(cfg *config.Config, identity transport.Identity, sourceName string) error {
	ctx, cancel := signalContext()
	defer cancel()

	md, err := cfg.Send.Metadata()
	if err != nil {
		return err
	}

	var source grid.Source
	switch sourceName {
	case "", "synthetic":
		source = grid.NewSynthetic(md.Width, md.Height, time.Now().UnixNano())
	case "stdin":
		source = grid.NewText(os.Stdin, md.Width, md.Height)
	default:
		return fmt.Errorf("unknown source %q (want synthetic or stdin)", sourceName)
	}

	batcherCfg := sender.Config{
		Metadata:         md,
		TickInterval:     cfg.Send.TickInterval,
		KeyframeInterval: cfg.Send.KeyframeInterval,
		MaxPayload:       cfg.Send.MaxPayload,
		QueueSize:        cfg.Send.QueueSize,
	}

	g, ctx := errgroup.WithContext(ctx)

	var submitter transport.Submitter
	switch cfg.Send.Transport {
	case "loop":
		loop := transport.NewLoop(identity, 16)
		submitter = loop
		g.Go(func() error { return runPreview(ctx, loop, md, cfg.Recv.Playback) })
	default:
		sub, err := transport.DialQUIC(ctx, cfg.Send.Addr, identity)
		if err != nil {
			return err
		}
		submitter = sub
	}
	defer submitter.Close()

	b, err := sender.New(batcherCfg, submitter, slog.Default())
	if err != nil {
		return err
	}
	slog.Info("sending", "transport", cfg.Send.Transport, "addr", cfg.Send.Addr, "stream", batcherCfg.String())

	g.Go(func() error {
		err := b.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(md.FPS))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				cells, err := source.Next(ctx)
				switch {
				case errors.Is(err, io.EOF):
					slog.Info("source drained, stopping")
					cancel()
					return nil
				case errors.Is(err, context.Canceled):
					return nil
				case err != nil:
					return fmt.Errorf("capture: %w", err)
				}
				b.Push(cells)
			}
		}
	})

	err = g.Wait()
	st := b.Stats()
	slog.Info("sender stopped",
		"framesCaptured", st.FramesCaptured,
		"batchesSent", st.BatchesSent,
		"bytesSent", st.BytesSent,
		"dropped", st.Dropped)
	return err
}

// runPreview plays the loop transport's arrivals straight back to the
// local terminal, exercising the whole receive path in-process.
func runPreview(ctx context.Context, loop *transport.Loop, md grid.Metadata, pb config.Playback) error {
	r := relay.New(16, slog.Default())
	recon := reconstruct.New(reconstruct.Config{}, r, slog.Default())

	sub := r.Subscribe("")
	defer r.Unsubscribe(sub)

	buffer := playback.New(playback.Config{
		Capacity:   pb.Capacity,
		Prefill:    pb.Prefill,
		MaxRepeats: pb.MaxRepeats,
	}, slog.Default())
	renderer := term.NewRenderer(os.Stdout, md)

	ticker := time.NewTicker(time.Second / time.Duration(md.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case arrival, ok := <-loop.Arrivals():
			if !ok {
				return nil
			}
			recon.Handle(arrival)
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if msg.Kind == relay.KindFrameBatch {
				buffer.Push(msg.Batch)
			}
		case <-ticker.C:
			if frame, state, ok := buffer.Tick(); ok {
				if err := renderer.Render(frame); err != nil {
					return err
				}
				renderer.Status("%s | buffered %d", state, buffer.Buffered())
			}
		}
	}
}
