package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	obmpMagic        uint32 = 0x4F424D50 // "OBMP"
	obmpMinHeaderLen        = 12

	legacyHeaderSize = 10 // version(2) + collector_hash(4) + msg_len(4)
	legacyVersion    = 2
)

// Frame is the BMP payload of an OpenBMP encapsulated Kafka record.
type Frame struct {
	BMP        []byte
	RouterIP   netip.Addr // invalid when the header does not carry it
	RouterHash string
}

// Router returns the identifier used for the collector dimension: the
// router hash when known, then the router address.
func (f Frame) Router() string {
	if f.RouterHash != "" {
		return f.RouterHash
	}
	if f.RouterIP.IsValid() {
		return f.RouterIP.String()
	}
	return ""
}

// DecodeFrame strips the OpenBMP header from a raw record. Both the v1.7
// header written by goBMP and the short legacy v2 header are accepted.
// A maxPayload of zero disables the size check.
func DecodeFrame(data []byte, maxPayload int) (Frame, error) {
	if len(data) < 4 {
		return Frame{}, fmt.Errorf("openbmp: frame too short (%d bytes)", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) == obmpMagic {
		return decodeV17(data, maxPayload)
	}
	return decodeLegacy(data, maxPayload)
}

// decodeV17 reads the v1.7 header:
//
//	 0-3:  magic "OBMP"
//	 4-5:  version major, minor
//	 6-7:  header length
//	 8-11: BMP message length
//	12-37: flags, type, timestamp, collector hash
//	38-39: collector admin id length N
//	40+N:  router hash (16), router ip (16), router group ...
func decodeV17(data []byte, maxPayload int) (Frame, error) {
	if len(data) < obmpMinHeaderLen {
		return Frame{}, fmt.Errorf("openbmp: v1.7 frame too short (%d bytes)", len(data))
	}
	headerLen := int(binary.BigEndian.Uint16(data[6:8]))
	msgLen := int(binary.BigEndian.Uint32(data[8:12]))
	switch {
	case headerLen < obmpMinHeaderLen:
		return Frame{}, fmt.Errorf("openbmp: header_length %d too small", headerLen)
	case headerLen > len(data):
		return Frame{}, fmt.Errorf("openbmp: header_length %d exceeds frame (%d bytes)", headerLen, len(data))
	}
	body, err := payload(data, headerLen, msgLen, maxPayload)
	if err != nil {
		return Frame{}, err
	}

	f := Frame{BMP: body}
	if headerLen >= 40 {
		hashOff := 40 + int(binary.BigEndian.Uint16(data[38:40]))
		ipOff := hashOff + 16
		if ipOff+16 <= headerLen {
			f.RouterHash = fmt.Sprintf("%x", data[hashOff:ipOff])
			f.RouterIP = routerAddr(data[ipOff : ipOff+16])
		}
	}
	return f, nil
}

func decodeLegacy(data []byte, maxPayload int) (Frame, error) {
	if len(data) < legacyHeaderSize {
		return Frame{}, fmt.Errorf("openbmp: frame too short (%d bytes, need %d)", len(data), legacyHeaderSize)
	}
	if v := binary.BigEndian.Uint16(data[0:2]); v != legacyVersion {
		return Frame{}, fmt.Errorf("openbmp: unrecognized format (no OBMP magic, version=%d)", v)
	}
	body, err := payload(data, legacyHeaderSize, int(binary.BigEndian.Uint32(data[6:10])), maxPayload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{BMP: body}, nil
}

func payload(data []byte, headerLen, msgLen, maxPayload int) ([]byte, error) {
	if msgLen == 0 {
		return nil, fmt.Errorf("openbmp: msg_len is 0")
	}
	if maxPayload > 0 && msgLen > maxPayload {
		return nil, fmt.Errorf("openbmp: msg_len %d exceeds limit %d", msgLen, maxPayload)
	}
	if len(data) < headerLen+msgLen {
		return nil, fmt.Errorf("openbmp: frame truncated (have %d, need %d)", len(data), headerLen+msgLen)
	}
	return data[headerLen : headerLen+msgLen], nil
}

// routerAddr decodes the 16-byte router address. goBMP writes IPv4 into the
// first four bytes, BMP peers into the last four, and some encoders use the
// mapped form.
func routerAddr(b []byte) netip.Addr {
	a := netip.AddrFrom16([16]byte(b))
	if a.Is4In6() {
		return a.Unmap()
	}
	if isZero(b[4:]) && !isZero(b[:4]) {
		return netip.AddrFrom4([4]byte(b[:4]))
	}
	if isZero(b[:12]) && !isZero(b[12:]) {
		return netip.AddrFrom4([4]byte(b[12:]))
	}
	if a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
