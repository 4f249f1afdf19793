// Package snapshot exports the in-memory RIB as zstd-compressed JSON lines.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/rib-engine/internal/rib"
	"go.uber.org/zap"
)

// Entry is one prefix of the RIB.
type Entry struct {
	Prefix            string    `json:"prefix"`
	VisiblePeers      int       `json:"visible_peers"`
	VisibleCollectors int       `json:"visible_collectors"`
	Collectors        []string  `json:"collectors,omitempty"`
	Outaged           []string  `json:"outaged_collectors,omitempty"`
	ASes              []uint32  `json:"ases,omitempty"`
	GlobalOutage      bool      `json:"global_outage"`
	LastUpdate        time.Time `json:"last_update"`
}

func entryOf(p netip.Prefix, st *rib.PathState) Entry {
	e := Entry{
		Prefix:            p.String(),
		VisiblePeers:      st.VisiblePeers(),
		VisibleCollectors: st.VisibleCollectors(),
		ASes:              st.KnownASes(),
		GlobalOutage:      st.GlobalOutage(),
		LastUpdate:        st.LastUpdate().UTC(),
	}
	for _, c := range st.KnownCollectors() {
		e.Collectors = append(e.Collectors, string(c))
	}
	for _, c := range st.OutagedCollectors() {
		e.Outaged = append(e.Outaged, string(c))
	}
	return e
}

type element struct {
	prefix netip.Prefix
	state  *rib.PathState
}

// Write encodes every prefix of trie to w and returns the number written.
// The trie lock is only held while the element list is collected.
func Write(w io.Writer, trie *rib.Trie) (int, error) {
	elems := make([]element, 0, trie.Count())
	trie.Walk(func(p netip.Prefix, st *rib.PathState) bool {
		elems = append(elems, element{p, st})
		return true
	})

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}
	enc := json.NewEncoder(zw)
	for i, el := range elems {
		if err := enc.Encode(entryOf(el.prefix, el.state)); err != nil {
			zw.Close()
			return i, fmt.Errorf("encoding %s: %w", el.prefix, err)
		}
	}
	if err := zw.Close(); err != nil {
		return len(elems), fmt.Errorf("closing zstd stream: %w", err)
	}
	return len(elems), nil
}

// WriteFile writes the snapshot next to path and renames it into place.
func WriteFile(path string, trie *rib.Trie) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := Write(tmp, trie)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("renaming snapshot: %w", err)
	}
	return n, nil
}

// Read decodes a snapshot stream.
func Read(r io.Reader) ([]Entry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer zr.Close()

	var out []Entry
	dec := json.NewDecoder(zr)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("decoding entry %d: %w", len(out), err)
		}
		out = append(out, e)
	}
}

// Runner writes a snapshot on a fixed interval.
type Runner struct {
	trie     *rib.Trie
	path     string
	interval time.Duration
	logger   *zap.Logger
}

func NewRunner(trie *rib.Trie, path string, interval time.Duration, logger *zap.Logger) *Runner {
	return &Runner{trie: trie, path: path, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Once()
		}
	}
}

// Once writes one snapshot and logs the outcome.
func (r *Runner) Once() {
	start := time.Now()
	n, err := WriteFile(r.path, r.trie)
	if err != nil {
		r.logger.Error("snapshot failed", zap.String("path", r.path), zap.Error(err))
		return
	}
	r.logger.Info("snapshot written",
		zap.String("path", r.path),
		zap.Int("prefixes", n),
		zap.Duration("took", time.Since(start)),
	)
}
