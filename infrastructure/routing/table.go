// Package routing implements the server-side route table: the bidirectional
// mapping between virtual IPs and transport addresses, with learning,
// aging, and configured-route fallback.
package routing

import (
	"math/rand"
	"net/netip"
	"time"

	"minivtun/application"
	"minivtun/domain/config"
)

// Table is the default, single-threaded RouteTable implementation. It is
// exclusively owned by one engine; no internal locking.
type Table struct {
	raByAddr map[netip.AddrPort]*application.RA
	vaByVIP  map[netip.Addr]*application.VA

	routes []config.RouteEntry
	logger application.Logger
	rng    *rand.Rand
}

// NewTable builds an empty Route Table with the given configured static
// routes (checked in list order for the fallback rule).
func NewTable(routes []config.RouteEntry, logger application.Logger) *Table {
	return &Table{
		raByAddr: make(map[netip.AddrPort]*application.RA),
		vaByVIP:  make(map[netip.Addr]*application.VA),
		routes:   routes,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetOrAddRA returns the existing RA after touching its last-recv time, or
// creates a new one with a randomly seeded sequence counter.
func (t *Table) GetOrAddRA(addr netip.AddrPort, now time.Time) *application.RA {
	if ra, ok := t.raByAddr[addr]; ok {
		ra.Touch(now)
		return ra
	}

	ra := &application.RA{Addr: addr, LastRecv: now}
	ra.SetSeq(uint16(t.rng.Intn(1 << 16)))
	t.raByAddr[addr] = ra
	if t.logger != nil {
		t.logger.Printf("routing: new client %s", addr)
	}
	return ra
}

// AddOrUpdateVA refuses the unspecified address (returns nil). Otherwise it
// creates the VA on first sight, or re-targets it whenever its RA pointer
// no longer agrees with the current ra.
func (t *Table) AddOrUpdateVA(vip netip.Addr, ra *application.RA, now time.Time) *application.VA {
	if !vip.IsValid() || vip.IsUnspecified() {
		return nil
	}

	va, exists := t.vaByVIP[vip]
	if !exists {
		va = &application.VA{VIP: vip, RA: ra, LastRecv: now}
		t.vaByVIP[vip] = va
		if t.logger != nil {
			t.logger.Printf("routing: new vip %s -> %s", vip, ra.Addr)
		}
		return va
	}

	va.Touch(now)
	if va.RA == nil || va.RA.Addr != ra.Addr {
		if t.logger != nil {
			t.logger.Printf("routing: change vip %s: %s -> %s", vip, va.RA.Addr, ra.Addr)
		}
		va.RA = ra
	}
	return va
}

// GetRoute resolves vip directly if bound; otherwise it scans the
// configured routes in list order. The first matching entry whose gateway
// currently has a VA binding wins; a match with no gateway binding does
// not stop the scan. The adopted binding is inserted into the VA map.
func (t *Table) GetRoute(vip netip.Addr, now time.Time) (*application.VA, bool) {
	if va, ok := t.vaByVIP[vip]; ok {
		return va, true
	}

	for _, route := range t.routes {
		if !route.HasGateway() || !route.Net.Contains(vip) {
			continue
		}
		gwVA, ok := t.vaByVIP[route.Gateway]
		if !ok {
			continue
		}
		va := t.AddOrUpdateVA(vip, gwVA.RA, now)
		if va != nil {
			return va, true
		}
	}
	return nil, false
}

// Prune drops VAs idle longer than timeout, then RAs idle longer than
// timeout (a VA keeps its RA alive only as long as the VA itself is kept
// alive by traffic touching it directly or by GetOrAddRA touching the RA).
func (t *Table) Prune(timeout time.Duration, now time.Time) {
	for vip, va := range t.vaByVIP {
		if now.Sub(va.LastRecv) > timeout {
			delete(t.vaByVIP, vip)
			if t.logger != nil {
				t.logger.Printf("routing: recycled vip %s", vip)
			}
		}
	}
	for addr, ra := range t.raByAddr {
		if now.Sub(ra.LastRecv) > timeout {
			delete(t.raByAddr, addr)
			if t.logger != nil {
				t.logger.Printf("routing: recycled client %s", addr)
			}
		}
	}
}

func (t *Table) VACount() int { return len(t.vaByVIP) }
func (t *Table) RACount() int { return len(t.raByAddr) }

func (t *Table) HasVA(vip netip.Addr) bool {
	_, ok := t.vaByVIP[vip]
	return ok
}

var _ application.RouteTable = (*Table)(nil)
