package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridcast-dev/gridcast/internal/certs"
	"github.com/gridcast-dev/gridcast/internal/config"
	"github.com/gridcast-dev/gridcast/internal/ledger"
	"github.com/gridcast-dev/gridcast/internal/pipeline"
	"github.com/gridcast-dev/gridcast/internal/playback"
	"github.com/gridcast-dev/gridcast/internal/reconstruct"
	"github.com/gridcast-dev/gridcast/internal/relay"
	"github.com/gridcast-dev/gridcast/internal/server"
	"github.com/gridcast-dev/gridcast/internal/stream"
	"github.com/gridcast-dev/gridcast/internal/term"
	"github.com/gridcast-dev/gridcast/internal/transport"
)

func recvCmd(cfgPath *string) *cobra.Command {
	var (
		addr       string
		transp     string
		ledgerHTTP string
		ledgerWS   string
		from       string
		filter     string
		apiAddr    string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Receive, reconstruct, and serve streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			applyFlag(cmd, "addr", &cfg.Recv.Addr, addr)
			applyFlag(cmd, "transport", &cfg.Recv.Transport, transp)
			applyFlag(cmd, "ledger-http", &cfg.Recv.Ledger.HTTPEndpoint, ledgerHTTP)
			applyFlag(cmd, "ledger-ws", &cfg.Recv.Ledger.WSEndpoint, ledgerWS)
			applyFlag(cmd, "from", &cfg.Recv.Ledger.From, from)
			applyFlag(cmd, "filter", &cfg.Recv.Filter, filter)
			applyFlag(cmd, "api", &cfg.Recv.APIAddr, apiAddr)
			setupLogging(cfg.Log)
			return runRecv(cfg, quiet)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "QUIC listen address")
	cmd.Flags().StringVar(&transp, "transport", "", "transport: quic or ledger")
	cmd.Flags().StringVar(&ledgerHTTP, "ledger-http", "", "ledger node HTTP RPC endpoint")
	cmd.Flags().StringVar(&ledgerWS, "ledger-ws", "", "ledger node WebSocket RPC endpoint")
	cmd.Flags().StringVar(&from, "from", "", "only watch ledger entries from this address")
	cmd.Flags().StringVar(&filter, "filter", "", "only reconstruct this sender identity")
	cmd.Flags().StringVar(&apiAddr, "api", "", "HTTP API listen address")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "serve the API without terminal playback")

	return cmd
}

func runRecv(cfg *config.Config, quiet bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	hub := relay.New(16, slog.Default())
	recon := reconstruct.New(reconstruct.Config{
		Filter:      transport.Identity(cfg.Recv.Filter),
		IdleTimeout: cfg.Recv.IdleTimeout,
	}, hub, slog.Default())

	var receiver transport.Receiver
	protocol := cfg.Recv.Transport
	g, ctx := errgroup.WithContext(ctx)

	switch protocol {
	case "ledger":
		watcher, err := ledger.NewWatcher(ledger.Config{
			WSEndpoint:   cfg.Recv.Ledger.WSEndpoint,
			HTTPEndpoint: cfg.Recv.Ledger.HTTPEndpoint,
			From:         cfg.Recv.Ledger.From,
			PollInterval: cfg.Recv.Ledger.PollInterval,
		}, slog.Default())
		if err != nil {
			return err
		}
		receiver = watcher
		g.Go(func() error {
			err := watcher.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	default:
		slog.Info("generating self-signed certificate")
		cert, err := certs.Generate(90 * 24 * time.Hour)
		if err != nil {
			return err
		}
		qr, err := transport.ListenQUIC(cfg.Recv.Addr, cert, slog.Default())
		if err != nil {
			return err
		}
		receiver = qr
		g.Go(func() error {
			<-ctx.Done()
			return qr.Close()
		})
	}

	p := pipeline.New(receiver, recon, hub, slog.Default())
	p.SetProtocol(protocol)

	apiSrv, err := server.NewServer(server.Config{
		Addr:  cfg.Recv.APIAddr,
		Relay: hub,
		Stats: p,
	}, slog.Default())
	if err != nil {
		return err
	}

	slog.Info("gridcast receiving",
		"version", version,
		"transport", protocol,
		"addr", cfg.Recv.Addr,
		"api", cfg.Recv.APIAddr,
		"filter", cfg.Recv.Filter)

	g.Go(func() error {
		err := p.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := apiSrv.Start(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if !quiet {
		g.Go(func() error {
			return runViewer(ctx, hub, cfg.Recv)
		})
	}

	return g.Wait()
}

// runViewer plays the first announced stream on the local terminal. It
// locks onto one identity, feeds its batches through a playback buffer,
// and repaints at the stream's frame rate.
func runViewer(ctx context.Context, hub *relay.Relay, cfg config.Recv) error {
	sub := hub.Subscribe(transport.Identity(cfg.Filter))
	defer hub.Unsubscribe(sub)

	mgr := stream.NewManager(playback.Config{
		Capacity:   cfg.Playback.Capacity,
		Prefill:    cfg.Playback.Prefill,
		MaxRepeats: cfg.Playback.MaxRepeats,
	}, slog.Default())

	var (
		focused  transport.Identity
		renderer *term.Renderer
	)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			switch msg.Kind {
			case relay.KindStreamInfo:
				if focused != "" && focused != msg.Identity {
					continue
				}
				focused = msg.Identity
				mgr.GetOrCreate(focused)
				renderer = term.NewRenderer(os.Stdout, msg.Info.Metadata)
				fps := msg.Info.Metadata.FPS
				if fps == 0 {
					fps = 1
				}
				ticker.Reset(time.Second / time.Duration(fps))
			case relay.KindFrameBatch:
				if msg.Identity != focused {
					continue
				}
				if s, ok := mgr.Get(focused); ok {
					s.Buffer.Push(msg.Batch)
				}
			case relay.KindStreamEnd:
				if msg.Identity != focused {
					continue
				}
				mgr.Remove(focused)
				focused = ""
				renderer = nil
				slog.Info("stream ended, waiting for the next one")
			}

		case <-ticker.C:
			if focused == "" || renderer == nil {
				continue
			}
			s, ok := mgr.Get(focused)
			if !ok {
				continue
			}
			if frame, state, ok := s.Buffer.Tick(); ok {
				if err := renderer.Render(frame); err != nil {
					return err
				}
				renderer.Status("%s | %s | buffered %d", focused, state, s.Buffer.Buffered())
			}
		}
	}
}
