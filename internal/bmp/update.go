package bmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	bgpHeaderSize     = 19 // marker(16) + length(2) + type(1)
	bgpMaxMessageSize = 65535
	bgpMsgTypeUpdate  = 2
	attrFlagExtLength = 0x10
	attrTypeASPath    = 2
	attrTypeMPReach   = 14
	attrTypeMPUnreach = 15
	segmentSet        = 1
	segmentSequence   = 2
	afiIPv4           = 1
	afiIPv6           = 2
	safiUnicast       = 1
)

var errTruncated = errors.New("bgp: truncated")

// Update is the routing content of a BGP UPDATE: unicast prefixes only,
// attributes other than the AS path are dropped.
type Update struct {
	Withdrawn []netip.Prefix
	Announced []netip.Prefix
	ASPath    []uint32
	EOR       bool
	IPv6      bool // family of an End-of-RIB marker
}

// ParseUpdate decodes a BGP message including its 19-byte header. Non-UPDATE
// messages return nil. as2 selects 2-byte AS path encoding. Add-path NLRI
// is detected by retrying when the plain encoding does not parse.
func ParseUpdate(data []byte, as2 bool) (*Update, error) {
	n, err := bgpMessageLength(data)
	if err != nil {
		return nil, err
	}
	if n > len(data) {
		return nil, fmt.Errorf("bgp: message length %d exceeds %d bytes", n, len(data))
	}
	if data[18] != bgpMsgTypeUpdate {
		return nil, nil
	}
	body := data[bgpHeaderSize:n]
	u, err := parseUpdate(body, as2, false)
	if err != nil {
		if u2, err2 := parseUpdate(body, as2, true); err2 == nil {
			return u2, nil
		}
		return nil, err
	}
	return u, nil
}

func parseUpdate(b []byte, as2, addPath bool) (*Update, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("bgp: update payload too short (%d bytes)", len(b))
	}
	wl := int(binary.BigEndian.Uint16(b[0:2]))
	if 2+wl+2 > len(b) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds data", wl)
	}
	withdrawn := b[2 : 2+wl]
	off := 2 + wl
	al := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+al > len(b) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds data", al)
	}
	attrs := b[off : off+al]
	nlri := b[off+al:]

	u := &Update{}
	if wl == 0 && al == 0 && len(nlri) == 0 {
		u.EOR = true
		return u, nil
	}

	var err error
	if u.Withdrawn, err = appendPrefixes(nil, withdrawn, false, addPath); err != nil {
		return nil, err
	}
	if u.Announced, err = appendPrefixes(nil, nlri, false, addPath); err != nil {
		return nil, err
	}

	mpUnreachEmpty := false
	for len(attrs) > 0 {
		if len(attrs) < 3 {
			return nil, errTruncated
		}
		flags, typ := attrs[0], attrs[1]
		hdr, l := 3, int(attrs[2])
		if flags&attrFlagExtLength != 0 {
			if len(attrs) < 4 {
				return nil, errTruncated
			}
			hdr, l = 4, int(binary.BigEndian.Uint16(attrs[2:4]))
		}
		if hdr+l > len(attrs) {
			return nil, fmt.Errorf("bgp: attr %d truncated (need %d, have %d)", typ, l, len(attrs)-hdr)
		}
		v := attrs[hdr : hdr+l]
		attrs = attrs[hdr+l:]

		switch typ {
		case attrTypeASPath:
			if u.ASPath, err = parseASPath(v, as2); err != nil {
				return nil, err
			}
		case attrTypeMPReach:
			if u.Announced, err = mpReach(u.Announced, v, addPath); err != nil {
				return nil, err
			}
		case attrTypeMPUnreach:
			before := len(u.Withdrawn)
			if u.Withdrawn, u.IPv6, err = mpUnreach(u.Withdrawn, v, addPath); err != nil {
				return nil, err
			}
			mpUnreachEmpty = len(u.Withdrawn) == before && len(v) == 3
		}
	}

	// An UPDATE holding only an empty MP_UNREACH is the multiprotocol
	// End-of-RIB marker.
	if mpUnreachEmpty && len(u.Withdrawn) == 0 && len(u.Announced) == 0 {
		u.EOR = true
	}
	return u, nil
}

// parseASPath flattens AS_SEQUENCE and AS_SET segments in wire order.
// Confederation segments are skipped.
func parseASPath(b []byte, as2 bool) ([]uint32, error) {
	size := 4
	if as2 {
		size = 2
	}
	var out []uint32
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errTruncated
		}
		typ, n := b[0], int(b[1])
		b = b[2:]
		if n*size > len(b) {
			return nil, fmt.Errorf("bgp: as path segment of %d asns truncated", n)
		}
		if typ == segmentSequence || typ == segmentSet {
			for i := 0; i < n; i++ {
				if as2 {
					out = append(out, uint32(binary.BigEndian.Uint16(b[i*2:])))
				} else {
					out = append(out, binary.BigEndian.Uint32(b[i*4:]))
				}
			}
		}
		b = b[n*size:]
	}
	return out, nil
}

func mpReach(dst []netip.Prefix, b []byte, addPath bool) ([]netip.Prefix, error) {
	if len(b) < 5 {
		return dst, errTruncated
	}
	afi, safi, nh := binary.BigEndian.Uint16(b[0:2]), b[2], int(b[3])
	off := 4 + nh
	if off+1 > len(b) {
		return dst, errTruncated
	}
	off++ // reserved
	if safi != safiUnicast || (afi != afiIPv4 && afi != afiIPv6) {
		return dst, nil
	}
	return appendPrefixes(dst, b[off:], afi == afiIPv6, addPath)
}

func mpUnreach(dst []netip.Prefix, b []byte, addPath bool) ([]netip.Prefix, bool, error) {
	if len(b) < 3 {
		return dst, false, errTruncated
	}
	afi, safi := binary.BigEndian.Uint16(b[0:2]), b[2]
	if safi != safiUnicast || (afi != afiIPv4 && afi != afiIPv6) {
		return dst, false, nil
	}
	out, err := appendPrefixes(dst, b[3:], afi == afiIPv6, addPath)
	return out, afi == afiIPv6, err
}

// appendPrefixes decodes an NLRI block. The add-path identifier is read
// and discarded: the RIB keys routes by prefix and peer only.
func appendPrefixes(dst []netip.Prefix, b []byte, v6, addPath bool) ([]netip.Prefix, error) {
	maxBits := 32
	if v6 {
		maxBits = 128
	}
	for len(b) > 0 {
		if addPath {
			if len(b) < 5 {
				return dst, errTruncated
			}
			b = b[4:]
		}
		bits := int(b[0])
		n := (bits + 7) / 8
		if bits > maxBits || 1+n > len(b) {
			return dst, fmt.Errorf("bgp: invalid nlri length %d", bits)
		}
		var raw [16]byte
		copy(raw[:], b[1:1+n])
		var a netip.Addr
		if v6 {
			a = netip.AddrFrom16(raw)
		} else {
			a = netip.AddrFrom4([4]byte(raw[:4]))
		}
		p, err := a.Prefix(bits)
		if err != nil {
			return dst, err
		}
		dst = append(dst, p)
		b = b[1+n:]
	}
	return dst, nil
}
