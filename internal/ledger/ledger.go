// Package ledger watches an ordered append-only ledger for batch payloads.
// Batches arrive as transaction calldata; the watcher follows new blocks
// over a WebSocket subscription, falling back to HTTP polling when the
// subscription is unavailable, and surfaces matching calldata as transport
// arrivals.
package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridcast-dev/gridcast/internal/transport"
	"github.com/gridcast-dev/gridcast/internal/wire"
)

// ErrClosed is returned by operations on a closed watcher.
var ErrClosed = errors.New("ledger: watcher closed")

// Config locates the ledger node and scopes the watch.
type Config struct {
	// WSEndpoint is the node's WebSocket RPC endpoint. Optional; when
	// empty the watcher polls over HTTP only.
	WSEndpoint string

	// HTTPEndpoint is the node's HTTP RPC endpoint, used for block
	// fetches and for the polling fallback.
	HTTPEndpoint string

	// From, when non-empty, restricts the watch to transactions sent by
	// this address (hex, case-insensitive).
	From string

	// PollInterval is the HTTP polling cadence. Default 2s.
	PollInterval time.Duration

	// Buffer is the arrivals channel depth. Default 32.
	Buffer int
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 32
	}
	c.From = strings.ToLower(c.From)
}

// Watcher follows the ledger head and extracts batch payloads. It
// implements transport.Receiver.
type Watcher struct {
	log  *slog.Logger
	cfg  Config
	http *http.Client

	arrivals chan transport.Arrival

	mu        sync.Mutex
	lastBlock uint64
	closed    bool
	cancel    context.CancelFunc
}

// NewWatcher creates a Watcher. Call Run to start following the ledger.
func NewWatcher(cfg Config, log *slog.Logger) (*Watcher, error) {
	cfg.setDefaults()
	if cfg.HTTPEndpoint == "" {
		return nil, errors.New("ledger: HTTP endpoint required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		log:      log.With("component", "ledger"),
		cfg:      cfg,
		http:     &http.Client{Timeout: 15 * time.Second},
		arrivals: make(chan transport.Arrival, cfg.Buffer),
	}, nil
}

// Arrivals returns the stream of extracted payloads.
func (w *Watcher) Arrivals() <-chan transport.Arrival { return w.arrivals }

// Close stops the watcher and closes the arrivals channel once Run exits.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

// Run follows the ledger until ctx is cancelled or Close is called. The
// WebSocket subscription is preferred; each disconnect falls back to one
// polling pass before reconnecting.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		return ErrClosed
	}
	w.cancel = cancel
	w.mu.Unlock()

	defer close(w.arrivals)
	defer cancel()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.cfg.WSEndpoint != "" {
			err := w.subscribeHeads(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("head subscription lost, polling until reconnect", "error", err)
		}

		if err := w.pollOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("poll failed", "error", err)
		}
		if w.cfg.WSEndpoint == "" {
			select {
			case <-time.After(w.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case <-time.After(backoff):
			if backoff < 30*time.Second {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// subscribeHeads holds a newHeads subscription open, handing each
// announced block number to the block fetcher. Returns when the
// connection drops or ctx is cancelled.
func (w *Watcher) subscribeHeads(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.cfg.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("ledger: dial %s: %w", w.cfg.WSEndpoint, err)
	}
	defer conn.Close()

	sub := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params:  []any{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("ledger: subscribe: %w", err)
	}

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	w.log.Info("following ledger head", "endpoint", w.cfg.WSEndpoint)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ledger: read: %w", err)
		}
		var note headNotification
		if err := json.Unmarshal(data, &note); err != nil {
			continue
		}
		if note.Method != "eth_subscription" || note.Params.Result.Number == "" {
			continue
		}
		num, err := parseHexUint(note.Params.Result.Number)
		if err != nil {
			w.log.Warn("bad head number", "value", note.Params.Result.Number)
			continue
		}
		if err := w.catchUp(ctx, num); err != nil && ctx.Err() == nil {
			w.log.Warn("block fetch failed", "block", num, "error", err)
		}
	}
}

// pollOnce reads the current head over HTTP and processes any blocks past
// the last seen one.
func (w *Watcher) pollOnce(ctx context.Context) error {
	var headHex string
	if err := w.call(ctx, "eth_blockNumber", nil, &headHex); err != nil {
		return err
	}
	head, err := parseHexUint(headHex)
	if err != nil {
		return fmt.Errorf("ledger: bad head %q: %w", headHex, err)
	}
	return w.catchUp(ctx, head)
}

// catchUp processes every block from last-seen+1 through head. The first
// observation starts at the head rather than replaying history.
func (w *Watcher) catchUp(ctx context.Context, head uint64) error {
	w.mu.Lock()
	from := w.lastBlock + 1
	if w.lastBlock == 0 {
		from = head
	}
	w.mu.Unlock()

	for n := from; n <= head; n++ {
		if err := w.processBlock(ctx, n); err != nil {
			return err
		}
		w.mu.Lock()
		w.lastBlock = n
		w.mu.Unlock()
	}
	return nil
}

func (w *Watcher) processBlock(ctx context.Context, num uint64) error {
	var block rpcBlock
	params := []any{fmt.Sprintf("0x%x", num), true}
	if err := w.call(ctx, "eth_getBlockByNumber", params, &block); err != nil {
		return err
	}
	for _, tx := range block.Transactions {
		w.maybeEmit(ctx, tx)
	}
	return nil
}

// maybeEmit extracts a batch payload from one transaction. Calldata that
// does not start with the batch magic belongs to someone else and is
// skipped without logging.
func (w *Watcher) maybeEmit(ctx context.Context, tx rpcTransaction) {
	from := strings.ToLower(tx.From)
	if w.cfg.From != "" && from != w.cfg.From {
		return
	}
	payload, err := decodeHexData(tx.Input)
	if err != nil || len(payload) < len(wire.Magic) {
		return
	}
	if !bytes.HasPrefix(payload, wire.Magic[:]) {
		return
	}
	select {
	case w.arrivals <- transport.Arrival{Identity: transport.Identity(from), Payload: payload}:
	case <-ctx.Done():
	}
}

// call performs one JSON-RPC request over HTTP, decoding the result into
// out.
func (w *Watcher) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.HTTPEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger: %s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("ledger: %s: %w", method, err)
		}
	}
	return nil
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func decodeHexData(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
