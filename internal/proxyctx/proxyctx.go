// Package proxyctx implements the per-flow proxy context: the bundle of
// state tying one inbound SOCKS5 flow (a TCP CONNECT stream, or a single
// UDP client source address under an associator) to its VLESS outbound
// peer, plus the two one-shot lifecycle signals every owner synchronizes
// on: outbound-connected and closed.
package proxyctx

import (
	"net"
	"sync"

	"github.com/safewoo/vlessproxy/internal/wire/vless"
	wsocks5 "github.com/safewoo/vlessproxy/internal/wire/socks5"
)

// Context holds per-flow state for one SOCKS5-to-VLESS flow. Closing is
// idempotent and propagates to both the inbound and outbound handles.
type Context struct {
	// Dest is the flow's destination as parsed from the SOCKS5 request
	// (CONNECT) or the UDP encapsulation header (the first datagram seen
	// from this source, for UDP).
	Dest wsocks5.Addr

	// SourceAddr is set only for UDP flows: the client source address
	// this context was created for.
	SourceAddr *net.UDPAddr

	// Adapter is the VLESS request/response framing state for this flow.
	Adapter *vless.Adapter

	// Inbound and Outbound are set by the owner once each handle exists.
	// Close uses whichever are non-nil at the time it runs.
	Inbound  net.Conn
	Outbound net.Conn

	connectedOnce sync.Once
	connectedCh   chan struct{}
	connectErr    error

	closeOnce sync.Once
	closedCh  chan struct{}
}

// New creates a Context for dest. sourceAddr is nil for TCP CONNECT flows.
func New(cmd vless.Command, uuid [16]byte, dest wsocks5.Addr, sourceAddr *net.UDPAddr) *Context {
	return &Context{
		Dest:        dest,
		SourceAddr:  sourceAddr,
		Adapter:     vless.NewAdapter(uuid, cmd),
		connectedCh: make(chan struct{}),
		closedCh:    make(chan struct{}),
	}
}

// SignalConnected sets the outbound-connected signal exactly once, with the
// dial's outcome. Later calls are no-ops: only the first dial attempt's
// result is observable.
func (c *Context) SignalConnected(outbound net.Conn, err error) {
	c.connectedOnce.Do(func() {
		c.Outbound = outbound
		c.connectErr = err
		close(c.connectedCh)
	})
}

// WaitConnected blocks until SignalConnected has run, returning its error.
func (c *Context) WaitConnected() error {
	<-c.connectedCh
	return c.connectErr
}

// Connected reports whether the outbound-connected signal has fired, and
// its error without blocking.
func (c *Context) Connected() (bool, error) {
	select {
	case <-c.connectedCh:
		return true, c.connectErr
	default:
		return false, nil
	}
}

// Close sets the closed signal and closes both handles. Idempotent: a
// second call is a no-op.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		if c.Inbound != nil {
			c.Inbound.Close()
		}
		if c.Outbound != nil {
			c.Outbound.Close()
		}
	})
}

// Done returns the closed signal's channel, closed exactly once.
func (c *Context) Done() <-chan struct{} {
	return c.closedCh
}

// IsClosed reports whether Close has run.
func (c *Context) IsClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}
