package socks5

import (
	"bytes"
	"net"
	"testing"
)

func TestParseUDPDatagramRejectsFragments(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, AtypIPv4, 1, 2, 3, 4, 0x00, 0x50, 'h', 'i'}
	_, _, err := ParseUDPDatagram(data)
	if err != ErrFragmented {
		t.Fatalf("expected ErrFragmented, got %v", err)
	}
}

func TestParseUDPDatagramDomain(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, AtypDomain})
	buf.WriteByte(byte(len("dns.example")))
	buf.WriteString("dns.example")
	buf.Write([]byte{0x00, 0x35})
	buf.WriteString("payload")

	hdr, payload, err := ParseUDPDatagram(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseUDPDatagram: %v", err)
	}
	if hdr.Dest.Domain != "dns.example" || hdr.Dest.Port != 53 {
		t.Fatalf("got %+v", hdr.Dest)
	}
	if string(payload) != "payload" {
		t.Fatalf("got payload %q", payload)
	}
}

func TestBuildUDPDatagramRoundtrip(t *testing.T) {
	dest := AddrFromIP(net.IPv4(8, 8, 8, 8), 53)
	packet := BuildUDPDatagram(dest, []byte("reply"))

	hdr, payload, err := ParseUDPDatagram(packet)
	if err != nil {
		t.Fatalf("ParseUDPDatagram: %v", err)
	}
	if !hdr.Dest.IP.Equal(net.IPv4(8, 8, 8, 8)) || hdr.Dest.Port != 53 {
		t.Fatalf("got %+v", hdr.Dest)
	}
	if string(payload) != "reply" {
		t.Fatalf("got %q", payload)
	}
}
