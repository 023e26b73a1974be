// Package vless implements the VLESS request/response header codec and the
// stateful adapter that prepends/strips that header on an outbound stream.
package vless

import (
	"encoding/binary"
	"errors"
	"fmt"

	wsocks5 "github.com/safewoo/vlessproxy/internal/wire/socks5"
)

// Command identifies the VLESS request's payload kind.
type Command byte

const (
	CommandTCP Command = 0x01
	CommandUDP Command = 0x02
	CommandMux Command = 0x03
)

// Version is the only VLESS wire version this daemon speaks.
const Version = 0x00

// RequestHeader is the 16-byte-UUID header VLESS clients send once at the
// start of a stream:
//
//	VER(1) UUID(16) EXT_LEN(1) EXT(var) CMD(1) PORT(2) ATYP(1) ADDR(var)
type RequestHeader struct {
	UUID [16]byte
	Ext  []byte
	Cmd  Command
	Dest wsocks5.Addr
}

// Encode serializes the request header to its wire form.
func (h RequestHeader) Encode() []byte {
	addr := h.Dest.Raw()

	buf := make([]byte, 0, 1+16+1+len(h.Ext)+1+2+1+len(addr))
	buf = append(buf, Version)
	buf = append(buf, h.UUID[:]...)
	buf = append(buf, byte(len(h.Ext)))
	buf = append(buf, h.Ext...)
	buf = append(buf, byte(h.Cmd))

	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, h.Dest.Port)
	buf = append(buf, portBuf...)

	buf = append(buf, h.Dest.Atyp)
	buf = append(buf, addr...)

	return buf
}

// ResponseHeader is the short header the remote sends back once, before the
// first payload bytes of its reply:
//
//	VER(1) EXT_LEN(1) EXT(var)
type ResponseHeader struct {
	Ext []byte
}

// errShortResponseHeader is returned by ParseResponseHeader when data does
// not yet contain a complete header; callers should treat it as "need more
// bytes", not a protocol violation.
var errShortResponseHeader = errors.New("vless: response header incomplete")

// ParseResponseHeader parses the fixed VER+EXT_LEN+EXT response header
// prefix from data, returning the header, the number of bytes it consumed,
// and an error; IsIncomplete reports true for the error returned when data
// does not yet contain enough bytes.
func ParseResponseHeader(data []byte) (hdr ResponseHeader, consumed int, err error) {
	if len(data) < 2 {
		return hdr, 0, errShortResponseHeader
	}
	if data[0] != Version {
		return hdr, 0, fmt.Errorf("vless: unsupported response version %d", data[0])
	}
	extLen := int(data[1])
	if len(data) < 2+extLen {
		return hdr, 0, errShortResponseHeader
	}
	hdr.Ext = append([]byte(nil), data[2:2+extLen]...)
	return hdr, 2 + extLen, nil
}

// IsIncomplete reports whether err indicates more bytes are needed before a
// response header can be fully parsed.
func IsIncomplete(err error) bool {
	return errors.Is(err, errShortResponseHeader)
}
