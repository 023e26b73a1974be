package vless

import (
	"bytes"
	"net"
	"testing"

	wsocks5 "github.com/safewoo/vlessproxy/internal/wire/socks5"
)

func TestRequestHeaderEncode(t *testing.T) {
	var uuid [16]byte
	copy(uuid[:], bytes.Repeat([]byte{0xAB}, 16))

	h := RequestHeader{
		UUID: uuid,
		Cmd:  CommandTCP,
		Dest: wsocks5.AddrFromIP(net.IPv4(93, 184, 216, 34), 443),
	}

	got := h.Encode()
	want := []byte{Version}
	want = append(want, uuid[:]...)
	want = append(want, 0x00)             // ext_len
	want = append(want, byte(CommandTCP)) // cmd
	want = append(want, 0x01, 0xBB)       // port 443
	want = append(want, wsocks5.AtypIPv4)
	want = append(want, 93, 184, 216, 34)

	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseResponseHeaderIncomplete(t *testing.T) {
	_, _, err := ParseResponseHeader([]byte{0x00})
	if !IsIncomplete(err) {
		t.Fatalf("expected incomplete error, got %v", err)
	}
}

func TestParseResponseHeaderWithExt(t *testing.T) {
	data := []byte{Version, 0x02, 'h', 'i', 'p', 'a', 'y', 'l', 'o', 'a', 'd'}
	hdr, consumed, err := ParseResponseHeader(data)
	if err != nil {
		t.Fatalf("ParseResponseHeader: %v", err)
	}
	if string(hdr.Ext) != "hi" || consumed != 4 {
		t.Fatalf("got ext=%q consumed=%d", hdr.Ext, consumed)
	}
}

func TestAdapterTCPRoundtrip(t *testing.T) {
	var uuid [16]byte
	a := NewAdapter(uuid, CommandTCP)

	out := a.EncodeOutbound([]byte("GET / HTTP/1.1"), wsocks5.AddrFromIP(net.IPv4(1, 1, 1, 1), 80))
	if len(out) <= len("GET / HTTP/1.1") {
		t.Fatalf("expected header to be prepended on first call")
	}

	out2 := a.EncodeOutbound([]byte("more"), wsocks5.Addr{})
	if !bytes.Equal(out2, []byte("more")) {
		t.Fatalf("header must not be re-sent: got %v", out2)
	}

	b := NewAdapter(uuid, CommandTCP)
	frames, err := b.DecodeInbound([]byte{Version, 0x00, 'h', 'e', 'l', 'l', 'o'})
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != "hello" {
		t.Fatalf("got frames %v", frames)
	}
}

func TestAdapterUDPFraming(t *testing.T) {
	var uuid [16]byte
	a := NewAdapter(uuid, CommandUDP)

	dest := wsocks5.AddrFromIP(net.IPv4(8, 8, 8, 8), 53)
	encoded := a.EncodeOutbound([]byte("query"), dest)

	b := NewAdapter(uuid, CommandUDP)
	// Simulate the remote echoing a VLESS response header followed by the
	// same length-prefixed framing, split across two reads.
	resp := []byte{Version, 0x00}
	resp = append(resp, 0x00, 0x03, 'a', 'b', 'c')
	frames, err := b.DecodeInbound(resp[:len(resp)-1])
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no complete frame yet, got %v", frames)
	}
	frames, err = b.DecodeInbound(resp[len(resp)-1:])
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != "abc" {
		t.Fatalf("got frames %v", frames)
	}

	if len(encoded) == 0 {
		t.Fatalf("expected encoded outbound bytes")
	}
}
