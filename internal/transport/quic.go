package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/gridcast-dev/gridcast/internal/certs"
)

// alpnProtocol identifies the gridcast payload protocol during the QUIC
// handshake.
const alpnProtocol = "gridcast/1"

// maxPayloadSize bounds a single arrival read so a misbehaving peer cannot
// force an unbounded allocation. Comfortably above any sane batch size.
const maxPayloadSize = 1 << 22

// QUICSubmitter submits payloads over a direct QUIC connection, bypassing
// the ledger for LAN and development use. Each payload travels on its own
// unidirectional stream: identity header, length prefix, bytes, FIN. A
// payload therefore arrives whole or not at all.
type QUICSubmitter struct {
	conn     quic.Connection
	identity Identity
}

// DialQUIC connects to a gridcast QUIC receiver. The receiver's self-signed
// certificate is accepted without verification; the fingerprint logged on
// both ends is the integrity check for this development path.
func DialQUIC(ctx context.Context, addr string, identity Identity) (*QUICSubmitter, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &QUICSubmitter{conn: conn, identity: identity}, nil
}

// Submit sends one payload on a fresh unidirectional stream.
func (s *QUICSubmitter) Submit(ctx context.Context, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("transport: payload %d bytes exceeds %d", len(payload), maxPayloadSize)
	}
	stream, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: open stream: %w", err)
	}

	header := make([]byte, 0, 1+len(s.identity)+4)
	header = append(header, byte(len(s.identity)))
	header = append(header, s.identity...)
	header = binary.BigEndian.AppendUint32(header, uint32(len(payload)))

	if _, err := stream.Write(header); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := stream.Write(payload); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return stream.Close()
}

// Close closes the underlying connection.
func (s *QUICSubmitter) Close() error {
	return s.conn.CloseWithError(0, "done")
}

// QUICReceiver listens for direct QUIC senders and surfaces their payloads
// as arrivals.
type QUICReceiver struct {
	log      *slog.Logger
	listener *quic.Listener
	arrivals chan Arrival
	cancel   context.CancelFunc
}

// ListenQUIC starts a QUIC listener on addr with a freshly generated
// self-signed certificate and begins accepting senders.
func ListenQUIC(addr string, cert *certs.CertInfo, log *slog.Logger) (*QUICReceiver, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{alpnProtocol},
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &QUICReceiver{
		log:      log.With("component", "quic-receiver"),
		listener: listener,
		arrivals: make(chan Arrival, 64),
		cancel:   cancel,
	}
	go r.acceptLoop(ctx)

	log.Info("quic transport listening", "addr", addr, "fingerprint", cert.FingerprintBase64())
	return r, nil
}

// Arrivals returns the delivery channel.
func (r *QUICReceiver) Arrivals() <-chan Arrival { return r.arrivals }

// Close stops the listener and closes the arrival channel.
func (r *QUICReceiver) Close() error {
	r.cancel()
	return r.listener.Close()
}

func (r *QUICReceiver) acceptLoop(ctx context.Context) {
	defer close(r.arrivals)
	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("accept failed", "error", err)
			}
			return
		}
		r.log.Info("sender connected", "remote", conn.RemoteAddr())
		go r.connLoop(ctx, conn)
	}
}

func (r *QUICReceiver) connLoop(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Debug("sender disconnected", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}
		go r.readStream(ctx, stream)
	}
}

// readStream reads one payload from a unidirectional stream and delivers it.
// Malformed streams are dropped individually; the connection stays up.
func (r *QUICReceiver) readStream(ctx context.Context, stream quic.ReceiveStream) {
	arrival, err := readPayload(stream)
	if err != nil {
		r.log.Warn("dropping malformed stream", "error", err)
		stream.CancelRead(0)
		return
	}
	select {
	case r.arrivals <- arrival:
	case <-ctx.Done():
	}
}

func readPayload(stream io.Reader) (Arrival, error) {
	var idLen [1]byte
	if _, err := io.ReadFull(stream, idLen[:]); err != nil {
		return Arrival{}, fmt.Errorf("identity length: %w", err)
	}
	identity := make([]byte, idLen[0])
	if _, err := io.ReadFull(stream, identity); err != nil {
		return Arrival{}, fmt.Errorf("identity: %w", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return Arrival{}, fmt.Errorf("payload length: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen == 0 || payloadLen > maxPayloadSize {
		return Arrival{}, errors.New("payload length out of range")
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(stream, payload); err != nil {
		return Arrival{}, fmt.Errorf("payload: %w", err)
	}
	return Arrival{Identity: Identity(identity), Payload: payload}, nil
}
