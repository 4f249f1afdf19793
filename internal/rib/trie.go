package rib

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
)

// Trie maps each distinct prefix to the PathState it owns.
//
// Reads share the lock. LookupOrCreate checks under the shared lock first and
// only takes the exclusive lock when the prefix is absent, re-checking after
// the upgrade so at most one caller creates the element.
type Trie struct {
	mu       sync.RWMutex
	table    bart.Table[*PathState]
	newState func(netip.Prefix) *PathState
}

// NewTrie builds an empty trie; newState constructs the element for a
// prefix seen for the first time.
func NewTrie(newState func(netip.Prefix) *PathState) *Trie {
	return &Trie{newState: newState}
}

// LookupOrCreate returns the PathState for p, creating it if needed.
// created is true for exactly one caller per prefix.
func (t *Trie) LookupOrCreate(p netip.Prefix) (created bool, st *PathState) {
	p = p.Masked()

	t.mu.RLock()
	st, ok := t.table.Get(p)
	t.mu.RUnlock()
	if ok {
		return false, st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.table.Get(p); ok {
		return false, st
	}
	st = t.newState(p)
	t.table.Insert(p, st)
	return true, st
}

// Lookup is an exact-match read.
func (t *Trie) Lookup(p netip.Prefix) (*PathState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table.Get(p.Masked())
}

// Match returns the longest prefix covering addr.
func (t *Trie) Match(addr netip.Addr) (*PathState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table.Lookup(addr)
}

func (t *Trie) Remove(p netip.Prefix) bool {
	p = p.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.table.Get(p); !ok {
		return false
	}
	t.table.Delete(p)
	return true
}

func (t *Trie) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table.Size()
}

func (t *Trie) Count4() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table.Size4()
}

func (t *Trie) Count6() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table.Size6()
}

// Walk visits every element until visit returns false. The shared lock is
// held for the whole walk, so visit must not insert or remove prefixes.
func (t *Trie) Walk(visit func(netip.Prefix, *PathState) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for p, st := range t.table.All() {
		if !visit(p, st) {
			return
		}
	}
}
