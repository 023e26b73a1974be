package socks5

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/safewoo/vlessproxy/internal/transport"
	wsocks5 "github.com/safewoo/vlessproxy/internal/wire/socks5"
)

// fakeVLESSRemote listens on 127.0.0.1:0, accepts one connection, parses the
// VLESS request header off the wire by hand (the adapter only exposes
// Encode, never a decoder, since a real remote is out of this repo's
// scope), replies with an empty VLESS response header, then echoes
// whatever payload bytes follow.
func fakeVLESSRemote(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done = make(chan struct{})
	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// VER(1) UUID(16) EXT_LEN(1)
		hdr := make([]byte, 18)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		extLen := int(hdr[17])
		if extLen > 0 {
			io.CopyN(io.Discard, conn, int64(extLen))
		}
		// CMD(1) PORT(2) ATYP(1)
		rest := make([]byte, 4)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}
		atyp := rest[3]
		switch atyp {
		case wsocks5.AtypIPv4:
			io.CopyN(io.Discard, conn, 4)
		case wsocks5.AtypIPv6:
			io.CopyN(io.Discard, conn, 16)
		case wsocks5.AtypDomain:
			lenBuf := make([]byte, 1)
			io.ReadFull(conn, lenBuf)
			io.CopyN(io.Discard, conn, int64(lenBuf[0]))
		}

		// VLESS response header: VER(1) EXT_LEN(1)=0
		conn.Write([]byte{0x00, 0x00})

		io.Copy(conn, conn)
	}()

	return ln.Addr().String(), done
}

func newTestHandler(t *testing.T, remoteAddr string) *Handler {
	t.Helper()
	return NewHandler(HandlerConfig{
		Remote: transport.Options{
			Network: transport.NetworkTCP,
			Address: remoteAddr,
		},
		ConnectTimeout: 5 * time.Second,
	})
}

func TestHandleConnectRoundTrip(t *testing.T) {
	remoteAddr, done := fakeVLESSRemote(t)
	h := newTestHandler(t, remoteAddr)

	client, server := net.Pipe()
	defer client.Close()

	go h.Handle(server)

	// Client side: SOCKS5 handshake, no-auth.
	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	methodResp := make([]byte, 2)
	if _, err := io.ReadFull(client, methodResp); err != nil {
		t.Fatalf("read method response: %v", err)
	}
	if methodResp[1] != wsocks5.AuthNoAuth {
		t.Fatalf("selected method = %d, want no-auth", methodResp[1])
	}

	// CONNECT to example.com:80.
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, "example.com"...)
	req = append(req, 0x00, 0x50)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != wsocks5.ReplySucceeded {
		t.Fatalf("reply code = %d, want success", reply[1])
	}

	wantAddr, err := net.ResolveTCPAddr("tcp", remoteAddr)
	if err != nil {
		t.Fatalf("resolve remote addr: %v", err)
	}
	if reply[3] != wsocks5.AtypIPv4 {
		t.Fatalf("reply atyp = %d, want IPv4", reply[3])
	}
	gotIP := net.IP(reply[4:8])
	if !gotIP.Equal(wantAddr.IP) {
		t.Fatalf("reply bound IP = %s, want %s (the configured VLESS server, not the dial's local address)", gotIP, wantAddr.IP)
	}
	gotPort := int(reply[8])<<8 | int(reply[9])
	if gotPort != wantAddr.Port {
		t.Fatalf("reply bound port = %d, want %d", gotPort, wantAddr.Port)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	echoBuf := make([]byte, 4)
	if _, err := io.ReadFull(client, echoBuf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoBuf) != "ping" {
		t.Fatalf("echo = %q, want ping", echoBuf)
	}

	client.Close()
	<-done
}

func TestHandleUnsupportedCommand(t *testing.T) {
	h := newTestHandler(t, "127.0.0.1:1")

	client, server := net.Pipe()
	defer client.Close()

	go h.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(client, make([]byte, 2))

	// CMD = BIND (unsupported).
	req := []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0, 80}
	client.Write(req)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[1] != wsocks5.ReplyCmdNotSupported {
		t.Fatalf("reply code = %d, want cmd-not-supported", reply[1])
	}
}

func TestHandleUnsupportedAddrType(t *testing.T) {
	h := newTestHandler(t, "127.0.0.1:1")

	client, server := net.Pipe()
	defer client.Close()

	go h.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(client, make([]byte, 2))

	// ATYP = 0x05, not a valid SOCKS5 address type. The handler stops
	// reading at the ATYP byte and net.Pipe has no buffer, so the write
	// runs in its own goroutine to leave the trailing bytes pending.
	req := []byte{0x05, 0x01, 0x00, 0x05, 0x00, 0x00}
	go client.Write(req)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[1] != wsocks5.ReplyAddrNotSupported {
		t.Fatalf("reply code = %d, want addr-not-supported", reply[1])
	}
}

func TestHandleUDPAssociateDisabledByDefault(t *testing.T) {
	h := newTestHandler(t, "127.0.0.1:1")

	client, server := net.Pipe()
	defer client.Close()

	go h.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(client, make([]byte, 2))

	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	client.Write(req)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[1] != wsocks5.ReplyCmdNotSupported {
		t.Fatalf("reply code = %d, want cmd-not-supported", reply[1])
	}
}

func TestHandleUDPAssociateReplyBindsUnspecifiedAddr(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Remote: transport.Options{
			Network: transport.NetworkTCP,
			Address: "127.0.0.1:1",
		},
		UDPEnabled: true,
	})
	defer h.Close()

	client, server := net.Pipe()
	defer client.Close()

	go h.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(client, make([]byte, 2))

	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != wsocks5.ReplySucceeded {
		t.Fatalf("reply code = %d, want success", reply[1])
	}
	if reply[3] != wsocks5.AtypIPv4 {
		t.Fatalf("reply atyp = %d, want IPv4", reply[3])
	}
	gotIP := net.IP(reply[4:8])
	if !gotIP.Equal(net.IPv4zero) {
		t.Fatalf("reply bound IP = %s, want 0.0.0.0 (the relay socket's own bind, not the TCP control connection's address)", gotIP)
	}

	client.Close()
}
