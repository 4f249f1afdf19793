package source

import (
	"time"

	"github.com/route-beacon/rib-engine/internal/bmp"
)

// RawRecord is what one OpenBMP raw record contributes: route updates in
// wire order, routers whose peer went down, and the count of BGP messages
// that failed to decode.
type RawRecord struct {
	Updates []*Update
	Resets  []string
	Skipped int
}

// DecodeRaw decodes an OpenBMP framed record of one or more BMP messages.
// The collector is the router named in the OpenBMP header, falling back to
// the BGP identifier of the per-peer header.
func DecodeRaw(data []byte, maxPayload int, now time.Time) (*RawRecord, error) {
	frame, err := bmp.DecodeFrame(data, maxPayload)
	if err != nil {
		return nil, err
	}
	msgs, err := bmp.ParseAll(frame.BMP)
	if err != nil {
		return nil, err
	}

	rr := &RawRecord{}
	for _, m := range msgs {
		router := frame.Router()
		if router == "" && m.Peer.BGPID.IsValid() && !m.Peer.BGPID.IsUnspecified() {
			router = m.Peer.BGPID.String()
		}
		if router == "" {
			rr.Skipped++
			continue
		}

		switch m.Type {
		case bmp.MsgTypePeerDown:
			rr.Resets = append(rr.Resets, router)
		case bmp.MsgTypeRouteMonitoring:
			u, err := bmp.ParseUpdate(m.BGP, m.Peer.TwoByteAS())
			if err != nil {
				rr.Skipped++
				continue
			}
			if u != nil {
				rr.Updates = appendRaw(rr.Updates, router, m, u, now)
			}
		}
	}
	return rr, nil
}

func appendRaw(dst []*Update, router string, m *bmp.Message, u *bmp.Update, now time.Time) []*Update {
	base := Update{
		Router:   router,
		PeerASN:  m.Peer.AS,
		IsLocRIB: m.Peer.IsLocRIB(),
		Time:     m.Peer.Time,
	}
	if m.Peer.Addr.IsValid() {
		base.PeerIP = m.Peer.Addr.String()
	}
	if base.Time.IsZero() {
		base.Time = now
	}
	if base.PeerASN == 0 && len(u.ASPath) > 0 {
		base.PeerASN = u.ASPath[0]
	}

	if u.EOR {
		eor := base
		eor.IsEOR, eor.IPv6 = true, u.IPv6
		return append(dst, &eor)
	}
	for _, p := range u.Withdrawn {
		w := base
		w.Prefix, w.IPv6, w.Withdraw = p, p.Addr().Is6(), true
		dst = append(dst, &w)
	}
	for _, p := range u.Announced {
		a := base
		a.Prefix, a.IPv6, a.ASPath = p, p.Addr().Is6(), u.ASPath
		dst = append(dst, &a)
	}
	return dst
}
