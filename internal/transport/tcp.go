package transport

import (
	"context"
	"net"
)

// dialTCP makes a direct TCP connection to a VLESS remote. *net.TCPConn
// already implements CloseWrite, so relay half-close works unmodified.
func dialTCP(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}
