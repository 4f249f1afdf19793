// Package source turns goBMP feeds, parsed JSON or raw OpenBMP framed BMP,
// into RIB messages.
package source

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Update is a decoded goBMP unicast prefix message.
type Update struct {
	Router   string
	PeerASN  uint32
	PeerIP   string
	IPv6     bool
	Prefix   netip.Prefix
	Withdraw bool
	IsEOR    bool
	IsLocRIB bool
	ASPath   []uint32
	Time     time.Time
}

// PeerEvent is a decoded goBMP peer message.
type PeerEvent struct {
	Router  string
	PeerASN uint32
	Action  string // "peer_up" or "peer_down"
}

// DecodeUnicastPrefix decodes a goBMP unicast prefix message. Missing
// timestamps default to now.
func DecodeUnicastPrefix(data []byte, now time.Time) (*Update, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}

	u := &Update{Router: routerID(raw)}
	if u.Router == "" {
		return nil, fmt.Errorf("no router identifier found")
	}
	u.IsLocRIB = boolField(raw, "is_loc_rib")
	u.IsEOR = boolField(raw, "is_eor")
	u.PeerIP = stringField(raw, "peer_ip")
	u.PeerASN = uint32(intField(raw, "peer_asn"))
	if v, ok := raw["is_ipv4"].(bool); ok {
		u.IPv6 = !v
	}

	switch strings.ToLower(stringField(raw, "action")) {
	case "del", "delete":
		u.Withdraw = true
	}

	u.Time = timeField(raw, "timestamp", now)

	if u.IsEOR {
		return u, nil
	}

	pfx := stringField(raw, "prefix")
	if pfx == "" {
		return nil, fmt.Errorf("missing prefix")
	}
	if !strings.Contains(pfx, "/") {
		n := intField(raw, "prefix_len")
		if n <= 0 {
			return nil, fmt.Errorf("prefix %q without length", pfx)
		}
		pfx = pfx + "/" + strconv.FormatInt(n, 10)
	}
	p, err := netip.ParsePrefix(pfx)
	if err != nil {
		return nil, fmt.Errorf("parse prefix: %w", err)
	}
	u.Prefix = p.Masked()
	u.IPv6 = p.Addr().Is6()

	if u.Withdraw {
		return u, nil
	}

	asPath := stringField(raw, "as_path")
	if asPath == "" {
		asPath = baseAttrsPath(raw)
	}
	u.ASPath, err = ParseASPath(asPath)
	if err != nil {
		return nil, err
	}
	if u.PeerASN == 0 && len(u.ASPath) > 0 {
		u.PeerASN = u.ASPath[0]
	}
	return u, nil
}

// DecodePeerMessage decodes a goBMP peer topic message.
func DecodePeerMessage(data []byte) (*PeerEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	pe := &PeerEvent{Router: routerID(raw)}
	if pe.Router == "" {
		return nil, fmt.Errorf("no router identifier in peer message")
	}
	pe.PeerASN = uint32(intField(raw, "remote_asn"))
	if pe.PeerASN == 0 {
		pe.PeerASN = uint32(intField(raw, "peer_asn"))
	}
	pe.Action = strings.ToLower(stringField(raw, "action"))
	return pe, nil
}

// ParseASPath reads a space separated AS path. AS_SET members in braces
// are kept in order.
func ParseASPath(s string) ([]uint32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '{' || r == '}' || r == '\t'
	})
	out := make([]uint32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("as path %q: %w", s, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func routerID(raw map[string]any) string {
	for _, k := range []string{"router_hash", "router_ip", "bmp_router"} {
		if v := stringField(raw, k); v != "" {
			return v
		}
	}
	return ""
}

// goBMP v1.1.0+ nests the path under base_attrs as an array.
func baseAttrsPath(raw map[string]any) string {
	ba, ok := raw["base_attrs"].(map[string]any)
	if !ok {
		return ""
	}
	switch arr := ba["as_path"].(type) {
	case []any:
		parts := make([]string, 0, len(arr))
		for _, item := range arr {
			switch n := item.(type) {
			case float64:
				parts = append(parts, strconv.FormatInt(int64(n), 10))
			case string:
				parts = append(parts, n)
			}
		}
		return strings.Join(parts, " ")
	case string:
		return arr
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key]; ok {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return strings.EqualFold(b, "true")
		}
	}
	return false
}

func intField(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// timeField accepts RFC 3339 strings and unix seconds or milliseconds.
func timeField(m map[string]any, key string, fallback time.Time) time.Time {
	switch v := m[key].(type) {
	case float64:
		return unixish(int64(v), fallback)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return unixish(i, fallback)
		}
	}
	return fallback
}

func unixish(v int64, fallback time.Time) time.Time {
	switch {
	case v <= 0:
		return fallback
	case v > 1e12:
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}
