package source

import (
	"sync"

	"github.com/route-beacon/rib-engine/internal/rib"
)

// Pool recycles messages between the source and the end of the pipeline.
type Pool struct {
	p sync.Pool
}

func NewPool() *Pool {
	return &Pool{p: sync.Pool{New: func() any { return new(rib.Message) }}}
}

func (p *Pool) Get() *rib.Message {
	return p.p.Get().(*rib.Message)
}

// Release resets m and returns it to the pool. Stop messages are not
// pooled.
func (p *Pool) Release(m *rib.Message) {
	if m == nil || m.Kind == rib.KindStop {
		return
	}
	m.Reset()
	p.p.Put(m)
}
