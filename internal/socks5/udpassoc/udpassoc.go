// Package udpassoc implements SOCKS5 UDP ASSOCIATE (RFC 1928 Section 7):
// one local UDP relay socket per association, fanning out to one VLESS
// outbound UDP flow per distinct client source address seen on that socket.
// Grounded on the teacher's internal/socks5/udp.go UDPAssociation, which
// fanned one mesh stream ID out per source; here each source gets its own
// VLESS outbound connection instead.
package udpassoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safewoo/vlessproxy/internal/logging"
	"github.com/safewoo/vlessproxy/internal/metrics"
	"github.com/safewoo/vlessproxy/internal/proxyctx"
	"github.com/safewoo/vlessproxy/internal/recovery"
	"github.com/safewoo/vlessproxy/internal/transport"
	wsocks5 "github.com/safewoo/vlessproxy/internal/wire/socks5"
	"github.com/safewoo/vlessproxy/internal/wire/vless"
)

var ErrDisabled = errors.New("udpassoc: UDP relay is disabled")

// pendingQueueLimit bounds how many datagrams a peer flow buffers while its
// outbound VLESS connection is still dialing. Per design, the oldest queued
// datagram is dropped once the bound is exceeded.
const pendingQueueLimit = 16

// Manager creates and tracks UDP associations. One Manager serves an entire
// SOCKS5 listener; every peer flow within every association dials a fresh
// VLESS outbound connection to the same configured remote.
type Manager struct {
	remote  transport.Options
	uuid    [16]byte
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	open map[*Association]struct{}
}

// NewManager creates a Manager that dials remote for every UDP peer flow's
// outbound VLESS connection.
func NewManager(remote transport.Options, uuid [16]byte, connectTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		remote:  remote,
		uuid:    uuid,
		timeout: connectTimeout,
		logger:  logger,
		metrics: m,
		open:    make(map[*Association]struct{}),
	}
}

// Create binds a local UDP relay socket and starts its read loop. expected,
// if non-nil and non-unspecified, restricts the association to datagrams
// from that client IP, per RFC 1928's optional DST.ADDR/DST.PORT filter on
// the UDP ASSOCIATE request. Only the IP is compared; expected's port is
// not checked.
func (mgr *Manager) Create(expected *net.UDPAddr) (*Association, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	// "udp4" avoids the dual-stack [::] local address net.ListenUDP("udp")
	// can report, which some SOCKS5 clients reject.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("udpassoc: bind relay socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	assoc := &Association{
		mgr:            mgr,
		conn:           conn,
		expectedClient: expected,
		ctx:            ctx,
		cancel:         cancel,
		logger:         mgr.logger,
		peers:          make(map[string]*peerFlow),
	}

	mgr.open[assoc] = struct{}{}
	if mgr.metrics != nil {
		mgr.metrics.RecordUDPAssociationOpen()
	}

	go assoc.readLoop()
	return assoc, nil
}

func (mgr *Manager) forget(assoc *Association) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if _, ok := mgr.open[assoc]; ok {
		delete(mgr.open, assoc)
		if mgr.metrics != nil {
			mgr.metrics.RecordUDPAssociationClose()
		}
	}
}

// CloseAll tears down every open association, used on server shutdown.
func (mgr *Manager) CloseAll() {
	mgr.mu.Lock()
	assocs := make([]*Association, 0, len(mgr.open))
	for a := range mgr.open {
		assocs = append(assocs, a)
	}
	mgr.mu.Unlock()

	for _, a := range assocs {
		a.Close()
	}
}

// Association is one SOCKS5 UDP ASSOCIATE flow: a single local relay socket
// that demultiplexes datagrams from potentially several client source
// addresses, each mapped to its own VLESS outbound peerFlow (see §4.2 and
// design note on per-UDP-source outbound fan-out).
type Association struct {
	mgr    *Manager
	conn   *net.UDPConn
	logger *slog.Logger

	expectedClient *net.UDPAddr

	mu    sync.Mutex
	peers map[string]*peerFlow

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// peerFlow is one client source address's outbound VLESS UDP connection.
// It starts "connecting" (datagrams queued), becomes "ready" once dialed,
// and "closing" tears down without affecting sibling peers. The
// outbound-connected/closed signals and the VLESS adapter are owned by the
// embedded proxy context (spec's per-flow lifecycle signals); the
// connecting/pending-queue state machine on top is specific to UDP fan-out
// and lives here.
type peerFlow struct {
	clientAddr *net.UDPAddr
	flow       *proxyctx.Context

	mu      sync.Mutex
	state   peerState
	dest    wsocks5.Addr     // destination recorded from the first datagram this peer sent
	destSet bool
	pending []queuedDatagram // queued datagrams awaiting the outbound connection
}

// queuedDatagram is one client datagram buffered while its peer flow's
// outbound VLESS connection is still dialing.
type queuedDatagram struct {
	dest    wsocks5.Addr
	payload []byte
}

type peerState int

const (
	peerConnecting peerState = iota
	peerReady
	peerClosing
)

// LocalAddr returns the relay socket's local address, reported back to the
// SOCKS5 client in the UDP ASSOCIATE reply.
func (a *Association) LocalAddr() *net.UDPAddr {
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Close tears down the relay socket and every peer flow's outbound VLESS
// connection. Idempotent.
func (a *Association) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	a.conn.Close()

	a.mu.Lock()
	peers := make([]*peerFlow, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.mu.Unlock()

	for _, p := range peers {
		p.close()
	}

	a.mgr.forget(a)
	return nil
}

func (a *Association) IsClosed() bool { return a.closed.Load() }

func (p *peerFlow) close() {
	p.mu.Lock()
	p.state = peerClosing
	p.mu.Unlock()
	p.flow.Close()
}

func (p *peerFlow) isClosed() bool { return p.flow.IsClosed() }

// readLoop reads datagrams from the SOCKS5 client, parses the SOCKS5 UDP
// encapsulation, and dispatches each to the peer flow for its source
// address, creating one if this is the first datagram from that source.
func (a *Association) readLoop() {
	defer recovery.RecoverConn(a.logger, "udpassoc.readLoop", a.Close)

	buf := make([]byte, 65535)
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		n, clientAddr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if a.IsClosed() {
				return
			}
			continue
		}

		if a.expectedClient != nil && !a.expectedClient.IP.IsUnspecified() && !clientAddr.IP.Equal(a.expectedClient.IP) {
			continue
		}

		hdr, payload, err := wsocks5.ParseUDPDatagram(buf[:n])
		if err != nil {
			a.logger.Debug("dropping invalid UDP datagram", logging.KeyError, err)
			continue
		}

		payloadCopy := make([]byte, len(payload))
		copy(payloadCopy, payload)

		peer := a.peerFor(clientAddr, hdr.Dest)
		peer.send(a, hdr.Dest, payloadCopy)
	}
}

// peerFor returns the existing peer flow for clientAddr or creates one,
// serializing creation so concurrent datagrams from the same new source
// never race onto two half-initialized outbound connections.
func (a *Association) peerFor(clientAddr *net.UDPAddr, dest wsocks5.Addr) *peerFlow {
	key := clientAddr.String()

	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.peers[key]; ok {
		return p
	}

	p := &peerFlow{
		clientAddr: clientAddr,
		state:      peerConnecting,
		dest:       dest,
		destSet:    true,
		flow:       proxyctx.New(vless.CommandUDP, a.mgr.uuid, dest, clientAddr),
	}
	a.peers[key] = p

	if a.mgr.metrics != nil {
		a.mgr.metrics.RecordUDPAssociationOpen()
	}

	go p.dial(a)

	return p
}

// dial establishes the peer's VLESS outbound connection, flushing any
// datagrams queued while the dial was in flight, then starts the
// outbound→client relay loop. A dial failure closes only this peer.
func (p *peerFlow) dial(a *Association) {
	ctx := context.Background()
	if a.mgr.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.mgr.timeout)
		defer cancel()
	}

	start := time.Now()
	outbound, err := transport.Dial(ctx, a.mgr.remote)
	if a.mgr.metrics != nil {
		a.mgr.metrics.RecordOutboundDial(string(a.mgr.remote.Network), time.Since(start).Seconds(), err)
	}
	p.flow.SignalConnected(outbound, err)

	p.mu.Lock()
	if err != nil {
		p.state = peerClosing
		p.pending = nil
		p.mu.Unlock()
		a.forgetPeer(p)
		return
	}

	p.state = peerReady
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, d := range queued {
		if werr := p.writeOutbound(d.dest, d.payload); werr != nil {
			a.logger.Warn("UDP outbound relay failed", logging.KeyError, werr)
			p.close()
			a.forgetPeer(p)
			return
		}
	}

	go p.readOutboundLoop(a)
}

func (a *Association) forgetPeer(p *peerFlow) {
	a.mu.Lock()
	for k, v := range a.peers {
		if v == p {
			delete(a.peers, k)
			break
		}
	}
	a.mu.Unlock()
	if a.mgr.metrics != nil {
		a.mgr.metrics.RecordUDPAssociationClose()
	}
}

// send routes a decoded client datagram to this peer: written immediately
// if the outbound is ready, queued (bounded, dropping the oldest on
// overflow) while it is still connecting.
func (p *peerFlow) send(a *Association, dest wsocks5.Addr, payload []byte) {
	p.mu.Lock()
	if !p.destSet {
		p.dest = dest
		p.destSet = true
	}
	switch p.state {
	case peerReady:
		p.mu.Unlock()
		frame := p.flow.Adapter.EncodeOutbound(payload, dest)
		if _, err := p.flow.Outbound.Write(frame); err != nil {
			a.logger.Warn("UDP outbound relay failed", logging.KeyError, err)
			p.close()
			a.forgetPeer(p)
			return
		}
		if a.mgr.metrics != nil {
			a.mgr.metrics.RecordBytesSent(len(payload))
		}
		return
	case peerClosing:
		p.mu.Unlock()
		return
	default: // peerConnecting
		if len(p.pending) >= pendingQueueLimit {
			p.pending = p.pending[1:]
		}
		p.pending = append(p.pending, queuedDatagram{dest: dest, payload: payload})
		p.mu.Unlock()
	}
}

// writeOutbound sends one queued payload once the outbound is connected.
func (p *peerFlow) writeOutbound(dest wsocks5.Addr, payload []byte) error {
	frame := p.flow.Adapter.EncodeOutbound(payload, dest)
	_, err := p.flow.Outbound.Write(frame)
	return err
}

func (p *peerFlow) readOutboundLoop(a *Association) {
	defer recovery.RecoverConn(a.logger, "udpassoc.readOutboundLoop", func() error { p.close(); return nil })

	outbound := p.flow.Outbound

	buf := make([]byte, 65535)
	for {
		n, err := outbound.Read(buf)
		if n > 0 {
			frames, derr := p.flow.Adapter.DecodeInbound(buf[:n])
			if derr != nil {
				a.logger.Warn("VLESS UDP decode failed", logging.KeyError, derr)
				p.close()
				a.forgetPeer(p)
				return
			}
			for _, frame := range frames {
				if len(frame) == 0 {
					continue
				}
				if werr := a.writeToClient(p.clientAddr, p.replyDest(), frame); werr != nil {
					a.logger.Warn("write to SOCKS5 client failed", logging.KeyError, werr)
				} else if a.mgr.metrics != nil {
					a.mgr.metrics.RecordBytesReceived(len(frame))
				}
			}
		}
		if err != nil {
			if !p.isClosed() {
				p.close()
				a.forgetPeer(p)
			}
			return
		}
	}
}

// replyDest returns the destination this peer recorded from the first
// datagram it sent, used to re-wrap replies with the address the client
// actually asked for rather than a placeholder.
func (p *peerFlow) replyDest() wsocks5.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dest
}

// writeToClient wraps payload in the SOCKS5 UDP header, using dest (the
// destination the associator recorded when it sent this peer's first
// datagram), and sends it back to the client address that owns this peer
// flow.
func (a *Association) writeToClient(clientAddr *net.UDPAddr, dest wsocks5.Addr, payload []byte) error {
	datagram := wsocks5.BuildUDPDatagram(dest, payload)
	_, err := a.conn.WriteToUDP(datagram, clientAddr)
	return err
}
