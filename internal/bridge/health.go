package bridge

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PeerHealth is the transfer history of one bridge channel.
type PeerHealth struct {
	LastSuccess      time.Time // last completed send or receive
	LastFailure      time.Time // last failed send or receive
	LastError        string
	Status           string // StatusHealthy, StatusUnhealthy or StatusUnknown
	Rank             int    // peer rank of the channel
	ConsecutiveFails int
}

// Health tracks bridge channels from the outcome of real transfers. A failed
// transfer costs only the current frame; after maxFailures in a row the channel
// is reported unhealthy, and the next success marks it healthy again.
//
// Thread Safety:
// All methods are safe for concurrent use. The onUnhealthy callback runs on
// its own goroutine so that it may call back into Health.
type Health struct {
	peers       map[int]*PeerHealth
	onUnhealthy func(rank int)
	mu          sync.RWMutex
	maxFailures int
}

func NewHealth(maxFailures int) *Health {
	if maxFailures < 1 {
		maxFailures = 3
	}
	return &Health{
		peers:       make(map[int]*PeerHealth),
		maxFailures: maxFailures,
	}
}

// SetOnUnhealthy registers a callback fired when a channel turns unhealthy.
func (h *Health) SetOnUnhealthy(callback func(rank int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

func (h *Health) peer(rank int) *PeerHealth {
	p, ok := h.peers[rank]
	if !ok {
		p = &PeerHealth{Rank: rank, Status: StatusUnknown}
		h.peers[rank] = p
	}
	return p
}

func (h *Health) RecordSuccess(rank int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.peer(rank)
	if p.Status == StatusUnhealthy {
		glog.Infof("bridge channel %d recovered", rank)
	}
	p.Status = StatusHealthy
	p.ConsecutiveFails = 0
	p.LastSuccess = time.Now()
}

func (h *Health) RecordFailure(rank int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.peer(rank)
	p.ConsecutiveFails++
	p.LastFailure = time.Now()
	if err != nil {
		p.LastError = err.Error()
	}
	glog.Warningf("bridge channel %d transfer failed (%d/%d): %v", rank, p.ConsecutiveFails, h.maxFailures, err)
	if p.ConsecutiveFails >= h.maxFailures && p.Status != StatusUnhealthy {
		p.Status = StatusUnhealthy
		glog.Errorf("bridge channel %d marked unhealthy after %d failures", rank, p.ConsecutiveFails)
		if h.onUnhealthy != nil {
			go h.onUnhealthy(rank)
		}
	}
}

// Get returns a copy of the channel's record, or nil if it never transferred.
func (h *Health) Get(rank int) *PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[rank]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (h *Health) All() map[int]*PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[int]*PeerHealth, len(h.peers))
	for rank, p := range h.peers {
		c := *p
		out[rank] = &c
	}
	return out
}

func (h *Health) IsHealthy(rank int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[rank]
	return ok && p.Status == StatusHealthy
}
