// Package bmp decodes raw BMP feeds: the OpenBMP record framing, BMP
// messages (RFC 7854, RFC 9069) and the BGP UPDATEs they carry.
package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// Message type codes.
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// Peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3
)

const (
	Version           uint8 = 3
	CommonHeaderSize        = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize       = 42 // type(1) + flags(1) + rd(8) + addr(16) + as(4) + bgp_id(4) + ts(8)

	peerFlagIPv6 uint8 = 0x80
	peerFlagAS2  uint8 = 0x20

	tlvTableName uint16 = 0
)

// PeerHeader is the per-peer header shared by route monitoring and peer
// up/down messages.
type PeerHeader struct {
	Type  uint8
	Flags uint8
	Addr  netip.Addr
	AS    uint32
	BGPID netip.Addr
	Time  time.Time // zero when the router leaves it unset
}

func (h PeerHeader) IsLocRIB() bool { return h.Type == PeerTypeLocRIB }

// TwoByteAS reports whether the peer's AS_PATH uses 2-byte ASNs.
func (h PeerHeader) TwoByteAS() bool { return h.Flags&peerFlagAS2 != 0 }

// Message is one decoded BMP message. BGP is set for route monitoring.
type Message struct {
	Type      uint8
	Peer      PeerHeader
	BGP       []byte
	TableName string
	Reason    uint8 // peer down reason
}

// ParseAll splits concatenated BMP messages. goBMP may put several in one
// record; a malformed message is skipped when its length is still usable.
func ParseAll(data []byte) ([]*Message, error) {
	var out []*Message
	offset := 0
	for len(data)-offset >= CommonHeaderSize {
		n := int(binary.BigEndian.Uint32(data[offset+1 : offset+5]))
		if n < CommonHeaderSize || offset+n > len(data) {
			break
		}
		if m, err := Parse(data[offset : offset+n]); err == nil {
			out = append(out, m)
		}
		offset += n
	}
	if len(out) == 0 && offset == 0 {
		return nil, fmt.Errorf("bmp: no valid messages found in %d bytes", len(data))
	}
	return out, nil
}

// Parse decodes a single BMP message.
func Parse(data []byte) (*Message, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}
	if data[0] != Version {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", data[0], Version)
	}
	n := int(binary.BigEndian.Uint32(data[1:5]))
	if n < CommonHeaderSize || n > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d invalid for %d bytes", n, len(data))
	}

	m := &Message{Type: data[5]}
	body := data[CommonHeaderSize:n]

	switch m.Type {
	case MsgTypeRouteMonitoring, MsgTypePeerDown, MsgTypePeerUp:
	default:
		// Initiation, termination, statistics and mirroring carry no routes.
		return m, nil
	}

	if len(body) < PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: message type %d too short for per-peer header (%d bytes)", m.Type, len(body))
	}
	m.Peer = parsePeerHeader(body)
	rest := body[PerPeerHeaderSize:]

	switch m.Type {
	case MsgTypeRouteMonitoring:
		if len(rest) == 0 {
			return nil, fmt.Errorf("bmp: no data after per-peer header")
		}
		m.BGP = rest
		// Loc-RIB monitoring may append TLVs after the UPDATE.
		if l, err := bgpMessageLength(rest); err == nil && l <= len(rest) {
			m.BGP = rest[:l]
			m.TableName = tableName(rest[l:])
		}
	case MsgTypePeerDown:
		if len(rest) > 0 {
			m.Reason = rest[0]
			if m.Peer.IsLocRIB() {
				m.TableName = tableName(rest[1:])
			}
		}
	case MsgTypePeerUp:
		if m.Peer.IsLocRIB() {
			m.TableName = tableName(rest)
		}
	}
	return m, nil
}

func parsePeerHeader(b []byte) PeerHeader {
	h := PeerHeader{Type: b[0], Flags: b[1]}
	if h.Flags&peerFlagIPv6 != 0 && !h.IsLocRIB() {
		h.Addr = netip.AddrFrom16([16]byte(b[10:26]))
	} else if !isZero(b[22:26]) {
		h.Addr = netip.AddrFrom4([4]byte(b[22:26]))
	}
	if h.TwoByteAS() {
		h.AS = uint32(binary.BigEndian.Uint16(b[28:30]))
	} else {
		h.AS = binary.BigEndian.Uint32(b[26:30])
	}
	h.BGPID = netip.AddrFrom4([4]byte(b[30:34]))
	if sec := binary.BigEndian.Uint32(b[34:38]); sec != 0 {
		usec := binary.BigEndian.Uint32(b[38:42])
		h.Time = time.Unix(int64(sec), int64(usec)*int64(time.Microsecond))
	}
	return h
}

// bgpMessageLength reads the length field of a BGP message header.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < bgpHeaderSize {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	for i := 0; i < 16; i++ {
		if data[i] != 0xFF {
			return 0, fmt.Errorf("bmp: invalid bgp marker at byte %d", i)
		}
	}
	n := int(binary.BigEndian.Uint16(data[16:18]))
	if n < bgpHeaderSize || n > bgpMaxMessageSize {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", n)
	}
	return n, nil
}

func tableName(tlvs []byte) string {
	for off := 0; off+4 <= len(tlvs); {
		typ := binary.BigEndian.Uint16(tlvs[off : off+2])
		n := int(binary.BigEndian.Uint16(tlvs[off+2 : off+4]))
		off += 4
		if off+n > len(tlvs) {
			break
		}
		if typ == tlvTableName && n > 0 {
			return string(tlvs[off : off+n])
		}
		off += n
	}
	return ""
}
