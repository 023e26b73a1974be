// Package transport dials the outbound connection to a VLESS remote over
// one of the three wire transports this daemon supports: raw TCP, TLS, or
// WebSocket (optionally over TLS).
package transport

import (
	"context"
	"fmt"
	"net"
)

// Network identifies which outbound wire transport to use.
type Network string

const (
	NetworkTCP Network = "tcp"
	NetworkWS  Network = "ws"
)

// Options describes how to reach and secure the connection to a VLESS
// remote. It is a transport-layer view of the proxy config, decoupled from
// the config package so transport has no dependency on it.
type Options struct {
	Network        Network
	Address        string // host:port of the VLESS remote
	TLS            bool
	ServerName     string
	SkipCertVerify bool
	WSPath         string
	WSHeaders      map[string]string
}

// Dial establishes the outbound connection described by opts. The returned
// net.Conn additionally implements CloseWrite when the underlying transport
// supports half-close (TCP and TLS always do; WebSocket emulates it with a
// Close control frame).
func Dial(ctx context.Context, opts Options) (net.Conn, error) {
	switch opts.Network {
	case NetworkTCP:
		if opts.TLS {
			return dialTLS(ctx, opts)
		}
		return dialTCP(ctx, opts.Address)
	case NetworkWS:
		return dialWebSocket(ctx, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported network %q", opts.Network)
	}
}

// HalfCloser is implemented by connections that can signal "done writing"
// without tearing down the read side.
type HalfCloser interface {
	CloseWrite() error
}
