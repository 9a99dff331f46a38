package movedata

import (
	"sync/atomic"

	"github.com/dreamware/rendersync/internal/codec"
)

// scope owns the intermediate buffers of one Deliver call. Every buffer taken
// with own is reset by release, which Deliver defers, so early returns cannot
// leak marshalled data.
type scope struct {
	bufs     []*codec.Buffer
	counters *counters
}

type counters struct {
	allocated atomic.Uint64
	released  atomic.Uint64
	sent      atomic.Uint64
	received  atomic.Uint64
}

func newScope(c *counters) *scope {
	return &scope{counters: c}
}

func (s *scope) own(b codec.Buffer) *codec.Buffer {
	p := &b
	s.bufs = append(s.bufs, p)
	s.counters.allocated.Add(1)
	return p
}

func (s *scope) release() {
	for _, b := range s.bufs {
		b.Reset()
		s.counters.released.Add(1)
	}
	s.bufs = nil
}
