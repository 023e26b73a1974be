package socks5

import (
	"encoding/binary"
	"errors"
	"net"
)

// ErrFragmented is returned when a datagram's FRAG byte is nonzero.
// Fragment reassembly is out of scope; any fragment is dropped.
var ErrFragmented = errors.New("socks5: fragmented datagrams are not supported")

// UDPHeader is a parsed SOCKS5 UDP request header (RFC 1928 §7):
//
//	+----+------+------+----------+----------+----------+
//	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+----+------+------+----------+----------+----------+
//	| 2  |  1   |  1   | Variable |    2     | Variable |
//	+----+------+------+----------+----------+----------+
type UDPHeader struct {
	Frag byte
	Dest Addr
}

// ParseUDPDatagram splits a raw UDP datagram into its header and payload.
// Any nonzero FRAG byte is rejected, not just the high bit — fragmentation
// support was never implemented on either end of this link.
func ParseUDPDatagram(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < 10 {
		return nil, nil, errors.New("socks5: UDP datagram shorter than minimum header")
	}

	frag := data[2]
	if frag != 0 {
		return nil, nil, ErrFragmented
	}

	atyp := data[3]
	addr, rest, err := parseUDPAddr(data[4:], atyp)
	if err != nil {
		return nil, nil, err
	}

	if len(rest) < 2 {
		return nil, nil, errors.New("socks5: UDP datagram truncated before port")
	}
	addr.Port = binary.BigEndian.Uint16(rest)

	return &UDPHeader{Frag: frag, Dest: addr}, rest[2:], nil
}

func parseUDPAddr(data []byte, atyp byte) (Addr, []byte, error) {
	addr := Addr{Atyp: atyp}

	switch atyp {
	case AtypIPv4:
		if len(data) < 4 {
			return addr, nil, errors.New("socks5: UDP datagram truncated IPv4 address")
		}
		addr.IP = net.IP(data[:4])
		return addr, data[4:], nil
	case AtypDomain:
		if len(data) < 1 {
			return addr, nil, errors.New("socks5: UDP datagram truncated domain length")
		}
		n := int(data[0])
		if len(data) < 1+n {
			return addr, nil, errors.New("socks5: UDP datagram truncated domain")
		}
		addr.Domain = string(data[1 : 1+n])
		return addr, data[1+n:], nil
	case AtypIPv6:
		if len(data) < 16 {
			return addr, nil, errors.New("socks5: UDP datagram truncated IPv6 address")
		}
		addr.IP = net.IP(data[:16])
		return addr, data[16:], nil
	default:
		return addr, nil, errors.New("socks5: unsupported UDP address type")
	}
}

// BuildUDPDatagram prepends a SOCKS5 UDP header to payload for delivery back
// to the local client.
func BuildUDPDatagram(dest Addr, payload []byte) []byte {
	raw := dest.Raw()
	header := make([]byte, 4+len(raw)+2)
	header[2] = 0 // FRAG
	header[3] = dest.Atyp
	copy(header[4:], raw)
	binary.BigEndian.PutUint16(header[4+len(raw):], dest.Port)
	return append(header, payload...)
}
