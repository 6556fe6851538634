package sidetap

import (
	"net"
	"sync"

	apperrors "confluence/pkg/errors"
)

// PortPool allocates consecutive RTP/RTCP UDP port pairs over [min, max):
// scan for two consecutive free ports, probe both by binding a UDP socket
// on 127.0.0.1, remove offenders on failure, and retry. Follows a
// worker-pool slot bookkeeping style (a single process-wide set mutated
// only by allocate/release), generalized from counters to a port set.
type PortPool struct {
	mu   sync.Mutex
	free map[int]bool
	min  int
	max  int
}

func NewPortPool(min, max int) *PortPool {
	free := make(map[int]bool, max-min)
	for p := min; p < max; p++ {
		free[p] = true
	}
	return &PortPool{free: free, min: min, max: max}
}

// Allocate returns (rtp, rtcp) with rtcp == rtp+1, both removed from the
// pool and bound-probed. Fails NoPortPairs if no viable pair remains.
func (p *PortPool) Allocate() (rtp int, rtcp int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for candidate := p.min; candidate < p.max-1; candidate++ {
		if !p.free[candidate] || !p.free[candidate+1] {
			continue
		}
		if !probeUDPBind(candidate) {
			delete(p.free, candidate)
			continue
		}
		if !probeUDPBind(candidate + 1) {
			delete(p.free, candidate+1)
			continue
		}
		delete(p.free, candidate)
		delete(p.free, candidate+1)
		return candidate, candidate + 1, nil
	}
	return 0, 0, apperrors.NewPortPairUnavailableError()
}

// Release returns both ports of a previously allocated pair to the pool.
func (p *PortPool) Release(rtp, rtcp int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[rtp] = true
	p.free[rtcp] = true
}

func (p *PortPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func probeUDPBind(port int) bool {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
