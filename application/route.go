package application

import (
	"net/netip"
	"time"
)

// RA is a Real Address record: a peer's transport address, its last-seen
// time, and its per-peer sequence counter. RA is shared by reference: a
// VA binding and the peer-by-transport-address map both point at the same
// RA, so liveness observed on either path updates both.
type RA struct {
	Addr     netip.AddrPort
	LastRecv time.Time
	seq      uint16
}

// Touch records current activity on this RA.
func (r *RA) Touch(now time.Time) { r.LastRecv = now }

// NextSeq advances and returns this RA's wrapping 16-bit sequence counter.
// Only the RA's owning engine advances it, single-threaded by invariant.
func (r *RA) NextSeq() uint16 {
	r.seq++
	return r.seq
}

// Seq returns the current sequence counter without advancing it.
func (r *RA) Seq() uint16 { return r.seq }

// SetSeq seeds the sequence counter. A random seed at RA creation hinders
// trivial replay detection by passive observers.
func (r *RA) SetSeq(seed uint16) { r.seq = seed }

// VA is a Virtual Address record: a virtual IP and a handle to the RA that
// currently owns it. VA -> RA only; RA never refers back to VAs.
type VA struct {
	VIP      netip.Addr
	RA       *RA
	LastRecv time.Time
}

// Touch records current activity on this VA.
func (v *VA) Touch(now time.Time) { v.LastRecv = now }

// RouteTable is the server-side bidirectional mapping between virtual IPs
// and transport addresses, with learning, aging, and fallback to
// configured routes.
type RouteTable interface {
	// GetOrAddRA returns the existing RA for addr after touching its
	// last-recv time, or creates a new one with a randomly seeded sequence
	// counter.
	GetOrAddRA(addr netip.AddrPort, now time.Time) *RA

	// AddOrUpdateVA binds vip to ra, creating or re-targeting the VA as
	// needed. Returns nil for the unspecified address.
	AddOrUpdateVA(vip netip.Addr, ra *RA, now time.Time) *VA

	// GetRoute resolves vip to a bound VA, falling back to configured
	// static routes in list order. ok is false when no route resolves.
	GetRoute(vip netip.Addr, now time.Time) (va *VA, ok bool)

	// Prune drops VAs and RAs idle longer than timeout.
	Prune(timeout time.Duration, now time.Time)

	// VACount and RACount expose table sizes for status reporting and
	// tests.
	VACount() int
	RACount() int

	// HasVA reports whether vip currently has a direct VA binding (used by
	// statistics retention after a prune pass).
	HasVA(vip netip.Addr) bool
}
