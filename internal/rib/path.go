package rib

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// PathRecord is one distinct AS path. Its content never changes after
// creation and it is shared by every (prefix, peer) binding using it; only
// the event counters move.
type PathRecord struct {
	ID        uint64
	Hash      PathHash
	ASPath    []uint32
	Collector CollectorID
	// Dest is the origin AS, the last hop of the path.
	Dest uint32

	encoded string

	Announcements atomic.Int64
	Duplicates    atomic.Int64
	Replaced      atomic.Int64
	// Active counts bindings currently using this path.
	Active atomic.Int64
}

func NewPathRecord(id uint64, asPath []uint32, collector CollectorID) *PathRecord {
	p := &PathRecord{
		ID:        id,
		ASPath:    slices.Clone(asPath),
		Collector: collector,
	}
	if n := len(p.ASPath); n > 0 {
		p.Dest = p.ASPath[n-1]
	}
	p.encoded = EncodePath(p.ASPath)
	p.Hash = HashPath(p.encoded)
	return p
}

// EncodePath renders an AS path as space-separated AS numbers.
func EncodePath(asPath []uint32) string {
	var b strings.Builder
	for i, as := range asPath {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatUint(uint64(as), 10))
	}
	return b.String()
}

// HashPath digests an encoded path. The result is never zero.
func HashPath(encoded string) PathHash {
	h := PathHash(xxhash.Sum64String(encoded))
	if h == 0 {
		h = 1
	}
	return h
}

func (p *PathRecord) Encoded() string { return p.encoded }

// Peer is the first AS of the path.
func (p *PathRecord) Peer() uint32 {
	if len(p.ASPath) == 0 {
		return 0
	}
	return p.ASPath[0]
}

// Equal compares content, not hashes.
func (p *PathRecord) Equal(o *PathRecord) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	return slices.Equal(p.ASPath, o.ASPath)
}

type pathJSON struct {
	ID            uint64   `json:"id"`
	Path          []uint32 `json:"path"`
	Collector     string   `json:"collector"`
	Dest          uint32   `json:"dest"`
	Announcements int64    `json:"ann"`
	Duplicates    int64    `json:"dup"`
	Replaced      int64    `json:"chg"`
	Active        int64    `json:"active"`
}

// Encode snapshots the record, counters included, for the store.
func (p *PathRecord) Encode() string {
	b, _ := json.Marshal(pathJSON{
		ID:            p.ID,
		Path:          p.ASPath,
		Collector:     string(p.Collector),
		Dest:          p.Dest,
		Announcements: p.Announcements.Load(),
		Duplicates:    p.Duplicates.Load(),
		Replaced:      p.Replaced.Load(),
		Active:        p.Active.Load(),
	})
	return string(b)
}

// DecodePathRecord restores a stored record. The persisted active count is
// informational only and is not restored.
func DecodePathRecord(s string) (*PathRecord, error) {
	var pj pathJSON
	if err := json.Unmarshal([]byte(s), &pj); err != nil {
		return nil, fmt.Errorf("decode path record: %w", err)
	}
	if len(pj.Path) == 0 {
		return nil, fmt.Errorf("decode path record: empty path")
	}
	p := NewPathRecord(pj.ID, pj.Path, CollectorID(pj.Collector))
	p.Announcements.Store(pj.Announcements)
	p.Duplicates.Store(pj.Duplicates)
	p.Replaced.Store(pj.Replaced)
	// Active is rebuilt from the bindings adopted in this process.
	return p, nil
}
