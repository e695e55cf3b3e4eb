package application

import "net/netip"

// Counters holds the rx/tx byte totals for one virtual IP.
type Counters struct {
	RxBytes uint64
	TxBytes uint64
}

// StatsMap is the server's per-virtual-IP byte counter table. After each
// pruning pass only keys still present in the route table's VA map are
// retained.
type StatsMap struct {
	byVIP map[netip.Addr]*Counters
}

func NewStatsMap() *StatsMap {
	return &StatsMap{byVIP: make(map[netip.Addr]*Counters)}
}

func (s *StatsMap) AddRx(vip netip.Addr, n int) {
	s.entry(vip).RxBytes += uint64(n)
}

func (s *StatsMap) AddTx(vip netip.Addr, n int) {
	s.entry(vip).TxBytes += uint64(n)
}

func (s *StatsMap) entry(vip netip.Addr) *Counters {
	c, ok := s.byVIP[vip]
	if !ok {
		c = &Counters{}
		s.byVIP[vip] = c
	}
	return c
}

func (s *StatsMap) Get(vip netip.Addr) (Counters, bool) {
	c, ok := s.byVIP[vip]
	if !ok {
		return Counters{}, false
	}
	return *c, true
}

// Retain drops every entry whose key fails keep.
func (s *StatsMap) Retain(keep func(netip.Addr) bool) {
	for vip := range s.byVIP {
		if !keep(vip) {
			delete(s.byVIP, vip)
		}
	}
}

func (s *StatsMap) Len() int { return len(s.byVIP) }
