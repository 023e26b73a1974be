package vless

import (
	"encoding/binary"

	wsocks5 "github.com/safewoo/vlessproxy/internal/wire/socks5"
)

// Adapter prepends a VLESS request header to the first bytes written
// outbound and strips the VLESS response header from the first bytes read
// back, exactly once each — mirroring the one-shot head_sent/head_received
// flags of the reference implementation this protocol was distilled from.
//
// For UDP flows every payload (not just the first) is additionally framed
// with a 2-byte big-endian length prefix, since a single VLESS stream can
// carry more than one datagram.
type Adapter struct {
	uuid [16]byte
	cmd  Command

	headSent     bool
	headReceived bool

	inbuf []byte
}

// NewAdapter creates an adapter for a single proxied flow. cmd selects
// whether outbound framing is TCP (raw byte stream) or UDP (length-prefixed
// datagrams).
func NewAdapter(uuid [16]byte, cmd Command) *Adapter {
	return &Adapter{uuid: uuid, cmd: cmd}
}

// EncodeOutbound prepares payload for writing to the VLESS remote. dest is
// only consulted on the very first call, where it becomes the VLESS
// request header's address — the header is sent exactly once per flow.
func (a *Adapter) EncodeOutbound(payload []byte, dest wsocks5.Addr) []byte {
	var out []byte

	if !a.headSent {
		hdr := RequestHeader{UUID: a.uuid, Cmd: a.cmd, Dest: dest}
		out = append(out, hdr.Encode()...)
		a.headSent = true
	}

	if a.cmd == CommandUDP {
		lenPrefix := make([]byte, 2)
		binary.BigEndian.PutUint16(lenPrefix, uint16(len(payload)))
		out = append(out, lenPrefix...)
	}

	out = append(out, payload...)
	return out
}

// DecodeInbound consumes bytes read from the VLESS remote, strips the
// response header on the first call, and returns zero or more complete
// payload frames. For TCP flows a frame is simply "all bytes read so far
// after the header"; for UDP flows frames are split on the 2-byte length
// prefix, with any trailing partial frame buffered for the next call.
func (a *Adapter) DecodeInbound(data []byte) ([][]byte, error) {
	a.inbuf = append(a.inbuf, data...)

	if !a.headReceived {
		_, consumed, err := ParseResponseHeader(a.inbuf)
		if err != nil {
			if IsIncomplete(err) {
				return nil, nil
			}
			return nil, err
		}
		a.inbuf = a.inbuf[consumed:]
		a.headReceived = true
	}

	if a.cmd != CommandUDP {
		if len(a.inbuf) == 0 {
			return nil, nil
		}
		frames := [][]byte{a.inbuf}
		a.inbuf = nil
		return frames, nil
	}

	var frames [][]byte
	for len(a.inbuf) >= 2 {
		n := int(binary.BigEndian.Uint16(a.inbuf))
		if len(a.inbuf) < 2+n {
			break
		}
		frames = append(frames, append([]byte(nil), a.inbuf[2:2+n]...))
		a.inbuf = a.inbuf[2+n:]
	}
	return frames, nil
}
