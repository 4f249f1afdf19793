package source

import (
	"sync"

	"github.com/route-beacon/rib-engine/internal/rib"
)

type tableKey struct {
	router string
	ipv6   bool
}

// Classifier decides whether an add belongs to a router's initial table
// dump or is a live update. Adds are RIB entries until End-of-RIB is seen
// for the router's address family; a peer going down starts a new dump.
type Classifier struct {
	mu   sync.Mutex
	done map[tableKey]bool
}

func NewClassifier() *Classifier {
	return &Classifier{done: make(map[tableKey]bool)}
}

func (c *Classifier) Kind(u *Update) rib.Kind {
	if u.Withdraw {
		return rib.KindWithdrawal
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done[tableKey{u.Router, u.IPv6}] {
		return rib.KindAnnouncement
	}
	return rib.KindRIB
}

// EndOfRIB marks the router's table for the update's family as complete.
func (c *Classifier) EndOfRIB(u *Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[tableKey{u.Router, u.IPv6}] = true
}

// Reset forgets End-of-RIB for both families of router.
func (c *Classifier) Reset(router string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.done, tableKey{router, false})
	delete(c.done, tableKey{router, true})
}
