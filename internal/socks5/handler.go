package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/safewoo/vlessproxy/internal/logging"
	"github.com/safewoo/vlessproxy/internal/metrics"
	"github.com/safewoo/vlessproxy/internal/proxyctx"
	"github.com/safewoo/vlessproxy/internal/socks5/udpassoc"
	"github.com/safewoo/vlessproxy/internal/transport"
	wsocks5 "github.com/safewoo/vlessproxy/internal/wire/socks5"
	"github.com/safewoo/vlessproxy/internal/wire/vless"
)

// halfCloser is implemented by connections that support half-close (TCP,
// TLS, and the WebSocket adapter's emulated close frame). This allows
// signaling that one direction is done while keeping the other open.
type halfCloser = transport.HalfCloser

// HandlerConfig configures a Handler's single VLESS remote and the
// behaviors layered on top of the bare SOCKS5 protocol.
type HandlerConfig struct {
	Authenticators []Authenticator
	Remote         transport.Options
	UUID           [16]byte
	ConnectTimeout time.Duration
	UDPEnabled     bool
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Handler processes SOCKS5 connections, relaying every CONNECT and UDP
// ASSOCIATE flow to the single configured VLESS remote — never to the
// client's requested destination directly.
type Handler struct {
	cfg    HandlerConfig
	udpMgr *udpassoc.Manager
}

// NewHandler creates a Handler bound to cfg.Remote.
func NewHandler(cfg HandlerConfig) *Handler {
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	h := &Handler{cfg: cfg}
	if cfg.UDPEnabled {
		h.udpMgr = udpassoc.NewManager(cfg.Remote, cfg.UUID, cfg.ConnectTimeout, cfg.Logger, cfg.Metrics)
	}
	return h
}

// Close tears down any outstanding UDP associations.
func (h *Handler) Close() {
	if h.udpMgr != nil {
		h.udpMgr.CloseAll()
	}
}

// Handle processes a single SOCKS5 connection end to end.
func (h *Handler) Handle(conn net.Conn) error {
	if _, err := h.authenticate(conn); err != nil {
		return fmt.Errorf("authentication: %w", err)
	}

	req, err := wsocks5.ReadRequest(conn)
	if err != nil {
		if errors.Is(err, wsocks5.ErrUnsupportedAddrType) {
			wsocks5.WriteReply(conn, wsocks5.ReplyAddrNotSupported, nil, 0)
		}
		return fmt.Errorf("read request: %w", err)
	}

	switch req.Command {
	case wsocks5.CmdConnect:
		return h.handleConnect(conn, req)
	case wsocks5.CmdUDPAssociate:
		return h.handleUDPAssociate(conn, req)
	default:
		wsocks5.WriteReply(conn, wsocks5.ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("unsupported command: %d", req.Command)
	}
}

// noDeadlineMonitor lets a connection type opt out of the read-deadline
// polling handleConnect otherwise uses to detect a client that disconnects
// mid-dial, for inbound connection types on which a timed-out read cannot
// be resumed. No connection type in this module implements it.
type noDeadlineMonitor interface {
	NoDeadlineMonitor() bool
}

// handleConnect dials the VLESS remote, sends the VLESS request header for
// req.Dest, and relays bytes bidirectionally until either side closes.
func (h *Handler) handleConnect(conn net.Conn, req *wsocks5.Request) error {
	start := time.Now()

	flow := proxyctx.New(vless.CommandTCP, h.cfg.UUID, req.Dest, nil)
	flow.Inbound = conn
	defer flow.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if h.cfg.ConnectTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, h.cfg.ConnectTimeout)
		defer timeoutCancel()
	}

	useMonitor := true
	if ndm, ok := conn.(noDeadlineMonitor); ok && ndm.NoDeadlineMonitor() {
		useMonitor = false
	}

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})

	if useMonitor {
		go func() {
			defer close(monitorExited)
			buf := make([]byte, 1)
			for {
				select {
				case <-dialDone:
					return
				default:
				}
				conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
				_, err := conn.Read(buf)
				select {
				case <-dialDone:
					return
				default:
				}
				if err != nil {
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						continue
					}
					cancel()
					return
				}
				cancel()
				return
			}
		}()
	} else {
		close(monitorExited)
	}

	outbound, dialErr := transport.Dial(ctx, h.cfg.Remote)
	flow.SignalConnected(outbound, dialErr)
	close(dialDone)

	if useMonitor {
		conn.SetReadDeadline(time.Now().Add(-time.Second))
	}
	<-monitorExited
	conn.SetReadDeadline(time.Time{})

	err := flow.WaitConnected()
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordOutboundDial(string(h.cfg.Remote.Network), time.Since(start).Seconds(), err)
	}

	if err != nil {
		if ctx.Err() == context.Canceled {
			wsocks5.WriteReply(conn, wsocks5.ReplyServerFailure, nil, 0)
			return fmt.Errorf("client disconnected during dial to %s", req.Dest)
		}
		wsocks5.WriteReply(conn, wsocks5.ReplyForError(err), nil, 0)
		return fmt.Errorf("dial remote for %s: %w", req.Dest, err)
	}

	if _, err := outbound.Write(flow.Adapter.EncodeOutbound(nil, req.Dest)); err != nil {
		wsocks5.WriteReply(conn, wsocks5.ReplyServerFailure, nil, 0)
		return fmt.Errorf("send VLESS request header: %w", err)
	}

	// The reply's bound address is the configured VLESS server, not this
	// host's ephemeral local endpoint for the outbound dial (spec's CONNECT
	// sequencing: the reply carries the remote the client is now tunneled
	// through). outbound.RemoteAddr() reports that server's resolved
	// address regardless of which transport dialed it.
	var bindIP net.IP
	var bindPort uint16
	if tcpAddr, ok := outbound.RemoteAddr().(*net.TCPAddr); ok {
		bindIP, bindPort = tcpAddr.IP, uint16(tcpAddr.Port)
	}
	wsocks5.WriteReply(conn, wsocks5.ReplySucceeded, bindIP, bindPort)

	conn.SetDeadline(time.Time{})
	outbound.SetDeadline(time.Time{})

	return relayVLESS(conn, outbound, flow.Adapter, req.Dest, h.cfg.Metrics, h.cfg.Logger)
}

// handleUDPAssociate handles UDP ASSOCIATE (RFC 1928 Section 4): binds a
// relay socket via the UDP association manager, replies with its address,
// then blocks on the TCP control connection per RFC 1928's "a UDP
// association terminates when the TCP connection terminates" rule.
func (h *Handler) handleUDPAssociate(conn net.Conn, req *wsocks5.Request) error {
	if h.udpMgr == nil {
		wsocks5.WriteReply(conn, wsocks5.ReplyCmdNotSupported, nil, 0)
		return udpassoc.ErrDisabled
	}

	var expected *net.UDPAddr
	if req.Dest.IP != nil && !req.Dest.IP.IsUnspecified() {
		expected = &net.UDPAddr{IP: req.Dest.IP, Port: int(req.Dest.Port)}
	}

	assoc, err := h.udpMgr.Create(expected)
	if err != nil {
		wsocks5.WriteReply(conn, wsocks5.ReplyServerFailure, nil, 0)
		return fmt.Errorf("create UDP association: %w", err)
	}
	defer assoc.Close()

	// The reply carries the relay socket's own bound address (0.0.0.0 plus
	// its OS-assigned port), not the TCP control connection's address: the
	// client sends UDP datagrams to this address, not back over TCP.
	relayAddr := assoc.LocalAddr()
	wsocks5.WriteReply(conn, wsocks5.ReplySucceeded, relayAddr.IP, uint16(relayAddr.Port))

	conn.SetDeadline(time.Time{})

	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	return nil
}

// authenticate runs the version/method negotiation and the selected
// Authenticator, supporting both the default no-auth posture and the
// optional RFC 1929 username/password scheme.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != wsocks5.Version {
		return "", fmt.Errorf("%w: %d", wsocks5.ErrUnsupportedVersion, header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var selected Authenticator
	for _, auth := range h.cfg.Authenticators {
		for _, m := range methods {
			if m == auth.GetMethod() {
				selected = auth
				break
			}
		}
		if selected != nil {
			break
		}
	}

	if selected == nil {
		conn.Write([]byte{wsocks5.Version, AuthMethodNoAcceptable})
		return "", errors.New("socks5: no acceptable authentication method")
	}

	if _, err := conn.Write([]byte{wsocks5.Version, selected.GetMethod()}); err != nil {
		return "", err
	}

	return selected.Authenticate(conn, conn)
}

// relayVLESS copies data bidirectionally between the SOCKS5 client and the
// VLESS outbound connection, wrapping outbound writes through adapter and
// unwrapping the VLESS response stream back into plain payload frames. On
// close, it logs the flow's total transfer in human-readable form.
func relayVLESS(client, outbound net.Conn, adapter *vless.Adapter, dest wsocks5.Addr, m *metrics.Metrics, logger *slog.Logger) error {
	errCh := make(chan error, 2)
	var sent, received atomic.Int64

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				frame := adapter.EncodeOutbound(buf[:n], dest)
				if _, werr := outbound.Write(frame); werr != nil {
					errCh <- werr
					return
				}
				sent.Add(int64(n))
				if m != nil {
					m.RecordBytesSent(n)
				}
			}
			if err != nil {
				if hc, ok := outbound.(halfCloser); ok {
					hc.CloseWrite()
				}
				errCh <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := outbound.Read(buf)
			if n > 0 {
				frames, derr := adapter.DecodeInbound(buf[:n])
				if derr != nil {
					errCh <- derr
					return
				}
				for _, frame := range frames {
					if len(frame) == 0 {
						continue
					}
					if _, werr := client.Write(frame); werr != nil {
						errCh <- werr
						return
					}
					received.Add(int64(len(frame)))
					if m != nil {
						m.RecordBytesReceived(len(frame))
					}
				}
			}
			if err != nil {
				if hc, ok := client.(halfCloser); ok {
					hc.CloseWrite()
				}
				errCh <- err
				return
			}
		}
	}()

	err1 := <-errCh
	err2 := <-errCh

	logger.Debug("flow closed",
		logging.KeyDestAddr, dest.String(),
		"sent", humanize.Bytes(uint64(sent.Load())),
		"received", humanize.Bytes(uint64(received.Load())))

	if err1 != nil && err1 != io.EOF {
		return err1
	}
	if err2 != nil && err2 != io.EOF {
		return err2
	}
	return nil
}
