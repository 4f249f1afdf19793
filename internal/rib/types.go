package rib

import (
	"net/netip"
	"strconv"
	"time"
)

// PeerID is the AS number of the session a collector receives paths from.
type PeerID uint32

// CollectorID names a vantage point.
type CollectorID string

// PathHash identifies path content. Zero is reserved as the withdrawal marker.
type PathHash uint64

// FormatHash renders a hash the way the store keys it.
func FormatHash(h PathHash) string {
	return strconv.FormatUint(uint64(h), 36)
}

func ParseHash(s string) (PathHash, error) {
	v, err := strconv.ParseUint(s, 36, 64)
	if err != nil {
		return 0, err
	}
	return PathHash(v), nil
}

// RouteKey is the unit of per-(prefix,peer) consistency.
type RouteKey struct {
	Prefix netip.Prefix
	Peer   PeerID
}

func (k RouteKey) String() string {
	return k.Prefix.String() + "|" + strconv.FormatUint(uint64(k.Peer), 10)
}

// Kind is the upstream message type.
type Kind uint8

const (
	KindRIB Kind = iota + 1
	KindAnnouncement
	KindWithdrawal
	// KindStop is the end-of-stream sentinel.
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindRIB:
		return "rib"
	case KindAnnouncement:
		return "announcement"
	case KindWithdrawal:
		return "withdrawal"
	case KindStop:
		return "stop"
	}
	return "unknown"
}

// Classification is the outcome of applying a message to a PathState.
type Classification uint8

const (
	Unclassified Classification = iota
	New
	Duplicate
	Changed
	Withdrawn
	DuplicateWithdraw
	// Invalid marks messages that could not be applied, e.g. an
	// announcement without an AS path.
	Invalid
)

func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case Changed:
		return "changed"
	case Withdrawn:
		return "withdrawn"
	case DuplicateWithdraw:
		return "duplicate_withdraw"
	case Invalid:
		return "invalid"
	}
	return "unclassified"
}

// Message is one upstream BGP event. The dispatcher annotates it with the
// classification and forwards it downstream.
type Message struct {
	Seq       uint64
	Kind      Kind
	Prefix    netip.Prefix
	Peer      PeerID
	Collector CollectorID
	Time      time.Time
	ASPath    []uint32

	Classification Classification
	GlobalOutage   bool
	NewPrefix      bool
	Path           *PathRecord
}

// Reset clears m for reuse, keeping the AS path backing array.
func (m *Message) Reset() {
	asPath := m.ASPath[:0]
	*m = Message{ASPath: asPath}
}

// StopMessage returns the end-of-stream sentinel.
func StopMessage() *Message {
	return &Message{Kind: KindStop}
}
