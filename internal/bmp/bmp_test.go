package bmp

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func bgpUpdate(withdrawn, attrs, nlri []byte) []byte {
	n := bgpHeaderSize + 2 + len(withdrawn) + 2 + len(attrs) + len(nlri)
	msg := make([]byte, 0, n)
	for i := 0; i < 16; i++ {
		msg = append(msg, 0xFF)
	}
	msg = binary.BigEndian.AppendUint16(msg, uint16(n))
	msg = append(msg, bgpMsgTypeUpdate)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(withdrawn)))
	msg = append(msg, withdrawn...)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(attrs)))
	msg = append(msg, attrs...)
	return append(msg, nlri...)
}

func attr(typ byte, v []byte) []byte {
	return append([]byte{0x40, typ, byte(len(v))}, v...)
}

func asPathAttr(segType byte, asns ...uint32) []byte {
	v := []byte{segType, byte(len(asns))}
	for _, a := range asns {
		v = binary.BigEndian.AppendUint32(v, a)
	}
	return attr(attrTypeASPath, v)
}

func peerHeader(peerType, flags byte, addr netip.Addr, as uint32, ts uint32) []byte {
	h := make([]byte, PerPeerHeaderSize)
	h[0], h[1] = peerType, flags
	a16 := addr.As16()
	if addr.Is4() {
		a4 := addr.As4()
		a16 = [16]byte{}
		copy(a16[12:], a4[:])
	}
	copy(h[10:26], a16[:])
	binary.BigEndian.PutUint32(h[26:30], as)
	copy(h[30:34], []byte{192, 0, 2, 1})
	binary.BigEndian.PutUint32(h[34:38], ts)
	binary.BigEndian.PutUint32(h[38:42], 500000)
	return h
}

func bmpMessage(typ byte, body ...[]byte) []byte {
	n := CommonHeaderSize
	for _, b := range body {
		n += len(b)
	}
	msg := []byte{Version}
	msg = binary.BigEndian.AppendUint32(msg, uint32(n))
	msg = append(msg, typ)
	for _, b := range body {
		msg = append(msg, b...)
	}
	return msg
}

func obmpFrame(routerIP [16]byte, bmp []byte) []byte {
	admin := []byte("collector-1")
	headerLen := 40 + len(admin) + 16 + 16 + 2 + 4
	f := make([]byte, 0, headerLen+len(bmp))
	f = binary.BigEndian.AppendUint32(f, obmpMagic)
	f = append(f, 1, 7)
	f = binary.BigEndian.AppendUint16(f, uint16(headerLen))
	f = binary.BigEndian.AppendUint32(f, uint32(len(bmp)))
	f = append(f, make([]byte, 26)...) // flags, type, timestamps, collector hash
	f = binary.BigEndian.AppendUint16(f, uint16(len(admin)))
	f = append(f, admin...)
	f = append(f, 0xAB, 0xCD)
	f = append(f, make([]byte, 14)...)
	f = append(f, routerIP[:]...)
	f = append(f, 0, 0, 0, 0, 0, 1)
	return append(f, bmp...)
}

func TestDecodeFrame_V17(t *testing.T) {
	bmp := bmpMessage(MsgTypeInitiation)
	var ip [16]byte
	copy(ip[:], []byte{10, 1, 2, 3})

	f, err := DecodeFrame(obmpFrame(ip, bmp), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cmp.Equal(f.BMP, bmp) {
		t.Errorf("bmp payload = %x, want %x", f.BMP, bmp)
	}
	if f.RouterIP != netip.MustParseAddr("10.1.2.3") {
		t.Errorf("router ip = %v", f.RouterIP)
	}
	if f.RouterHash != "abcd0000000000000000000000000000" || f.Router() != f.RouterHash {
		t.Errorf("router hash = %q", f.RouterHash)
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	bmp := bmpMessage(MsgTypeInitiation)
	good := obmpFrame([16]byte{}, bmp)

	legacy := []byte{0, 2, 0, 0, 0, 0}
	legacy = binary.BigEndian.AppendUint32(legacy, uint32(len(bmp)))
	legacy = append(legacy, bmp...)
	f, err := DecodeFrame(legacy, 0)
	if err != nil || !cmp.Equal(f.BMP, bmp) || f.Router() != "" {
		t.Fatalf("legacy frame = %+v, %v", f, err)
	}

	cases := map[string]struct {
		data []byte
		max  int
	}{
		"short":      {data: []byte{1, 2}},
		"bad legacy": {data: []byte{0, 9, 0, 0, 0, 0, 0, 0, 0, 1, 0}},
		"truncated":  {data: good[:len(good)-1]},
		"over limit": {data: good, max: 2},
	}
	for name, tc := range cases {
		if _, err := DecodeFrame(tc.data, tc.max); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRouterAddr(t *testing.T) {
	v6 := netip.MustParseAddr("2001:db8::1").As16()
	cases := []struct {
		in   [16]byte
		want string
	}{
		{[16]byte{10, 0, 0, 1}, "10.0.0.1"},
		{[16]byte{12: 10, 13: 0, 14: 0, 15: 2}, "10.0.0.2"},
		{netip.MustParseAddr("::ffff:10.0.0.3").As16(), "10.0.0.3"},
		{v6, "2001:db8::1"},
	}
	for _, tc := range cases {
		if got := routerAddr(tc.in[:]); got.String() != tc.want {
			t.Errorf("routerAddr(%x) = %v, want %s", tc.in, got, tc.want)
		}
	}
	if routerAddr(make([]byte, 16)).IsValid() {
		t.Error("zero address should be invalid")
	}
}

func TestParseAll_RouteMonitoring(t *testing.T) {
	upd := bgpUpdate(nil, asPathAttr(segmentSequence, 64500, 3356), []byte{24, 10, 0, 0})
	rm := bmpMessage(MsgTypeRouteMonitoring,
		peerHeader(PeerTypeGlobal, 0, netip.MustParseAddr("192.0.2.9"), 64500, 1700000000), upd)
	down := bmpMessage(MsgTypePeerDown,
		peerHeader(PeerTypeGlobal, 0, netip.MustParseAddr("192.0.2.9"), 64500, 0), []byte{3})
	stats := bmpMessage(MsgTypeStatisticsReport, make([]byte, 10))

	msgs, err := ParseAll(append(append(append([]byte{}, rm...), down...), stats...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	m := msgs[0]
	if m.Type != MsgTypeRouteMonitoring || m.Peer.AS != 64500 {
		t.Errorf("route monitoring = %+v", m)
	}
	if m.Peer.Addr != netip.MustParseAddr("192.0.2.9") {
		t.Errorf("peer addr = %v", m.Peer.Addr)
	}
	if want := time.Unix(1700000000, 500000000); !m.Peer.Time.Equal(want) {
		t.Errorf("peer time = %v, want %v", m.Peer.Time, want)
	}
	if !cmp.Equal(m.BGP, upd) {
		t.Errorf("bgp data not isolated")
	}

	if msgs[1].Type != MsgTypePeerDown || msgs[1].Reason != 3 || !msgs[1].Peer.Time.IsZero() {
		t.Errorf("peer down = %+v", msgs[1])
	}
}

func TestParse_LocRIBTableName(t *testing.T) {
	upd := bgpUpdate(nil, nil, nil)
	tlv := []byte{0, 0, 0, 6}
	tlv = append(tlv, "global"...)
	m, err := Parse(bmpMessage(MsgTypeRouteMonitoring,
		peerHeader(PeerTypeLocRIB, 0, netip.Addr{}, 0, 0), upd, tlv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Peer.IsLocRIB() || m.TableName != "global" || len(m.BGP) != len(upd) {
		t.Errorf("loc-rib message = %+v", m)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string][]byte{
		"short":        {3, 0},
		"version":      {2, 0, 0, 0, 6, 4},
		"length":       {3, 0, 0, 0, 99, 4},
		"no peer hdr":  bmpMessage(MsgTypeRouteMonitoring, make([]byte, 10)),
		"no bgp bytes": bmpMessage(MsgTypeRouteMonitoring, make([]byte, PerPeerHeaderSize)),
	}
	for name, data := range cases {
		if _, err := Parse(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := ParseAll([]byte{9, 9, 9}); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestParseUpdate_IPv4(t *testing.T) {
	attrs := append(attr(1, []byte{0}), asPathAttr(segmentSequence, 64500, 3356, 15169)...)
	// Trailing AS_SET segment inside the same AS_PATH attribute.
	attrs = append(attrs, asPathAttr(segmentSet, 1, 2)[3:]...)
	attrs[6] += 10
	msg := bgpUpdate([]byte{16, 192, 168}, attrs, []byte{24, 10, 0, 0, 32, 10, 0, 0, 1})

	u, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &Update{
		Withdrawn: []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")},
		Announced: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24"), netip.MustParsePrefix("10.0.0.1/32")},
		ASPath:    []uint32{64500, 3356, 15169, 1, 2},
	}
	if diff := cmp.Diff(want, u, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestParseUpdate_IPv6MPReach(t *testing.T) {
	nh := netip.MustParseAddr("2001:db8::1").As16()
	reach := []byte{0, afiIPv6, safiUnicast, 16}
	reach = append(reach, nh[:]...)
	reach = append(reach, 0, 32, 0x20, 0x01, 0x0d, 0xb8)
	unreach := []byte{0, afiIPv6, safiUnicast, 48, 0x20, 0x01, 0x0d, 0xb8, 0, 1}

	attrs := append(asPathAttr(segmentSequence, 64500), attr(attrTypeMPReach, reach)...)
	attrs = append(attrs, attr(attrTypeMPUnreach, unreach)...)
	u, err := ParseUpdate(bgpUpdate(nil, attrs, nil), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Announced) != 1 || u.Announced[0] != netip.MustParsePrefix("2001:db8::/32") {
		t.Errorf("announced = %v", u.Announced)
	}
	if len(u.Withdrawn) != 1 || u.Withdrawn[0] != netip.MustParsePrefix("2001:db8:1::/48") {
		t.Errorf("withdrawn = %v", u.Withdrawn)
	}
	if u.EOR {
		t.Error("update with routes flagged as End-of-RIB")
	}
}

func TestParseUpdate_EndOfRIB(t *testing.T) {
	u, err := ParseUpdate(bgpUpdate(nil, nil, nil), false)
	if err != nil || !u.EOR || u.IPv6 {
		t.Errorf("ipv4 eor = %+v, %v", u, err)
	}

	u, err = ParseUpdate(bgpUpdate(nil, attr(attrTypeMPUnreach, []byte{0, afiIPv6, safiUnicast}), nil), false)
	if err != nil || !u.EOR || !u.IPv6 {
		t.Errorf("ipv6 eor = %+v, %v", u, err)
	}
}

func TestParseUpdate_AddPathFallback(t *testing.T) {
	// Path identifier 200 reads as an invalid prefix length without add-path.
	nlri := []byte{0, 0, 0, 200, 24, 10, 0, 0}
	u, err := ParseUpdate(bgpUpdate(nil, asPathAttr(segmentSequence, 64500), nlri), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Announced) != 1 || u.Announced[0] != netip.MustParsePrefix("10.0.0.0/24") {
		t.Errorf("announced = %v", u.Announced)
	}
}

func TestParseUpdate_TwoByteASPath(t *testing.T) {
	v := []byte{segmentSequence, 2, 0xFB, 0xF4, 0x0D, 0x1C}
	u, err := ParseUpdate(bgpUpdate(nil, attr(attrTypeASPath, v), []byte{8, 10}), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cmp.Equal(u.ASPath, []uint32{64500, 3356}) {
		t.Errorf("as path = %v", u.ASPath)
	}
}

func TestParseUpdate_NotUpdate(t *testing.T) {
	msg := bgpUpdate(nil, nil, nil)
	msg[18] = 4 // KEEPALIVE
	if u, err := ParseUpdate(msg, false); u != nil || err != nil {
		t.Errorf("keepalive = %+v, %v", u, err)
	}
	msg[0] = 0
	if _, err := ParseUpdate(msg, false); err == nil {
		t.Error("expected marker error")
	}
}
