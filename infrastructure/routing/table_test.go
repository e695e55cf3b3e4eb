package routing

import (
	"net/netip"
	"testing"
	"time"

	"minivtun/domain/config"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return ap
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestRouteLearningAndRetarget(t *testing.T) {
	table := NewTable(nil, nil)
	now := time.Now()

	a := mustAddrPort(t, "10.9.0.1:5000")
	b := mustAddrPort(t, "10.9.0.2:5000")
	v1 := mustAddr(t, "10.0.0.2")

	ra := table.GetOrAddRA(a, now)
	table.AddOrUpdateVA(v1, ra, now)

	va, ok := table.GetRoute(v1, now)
	if !ok || va.RA.Addr != a {
		t.Fatalf("GetRoute after first bind = %+v, %v; want RA %s", va, ok, a)
	}

	rb := table.GetOrAddRA(b, now)
	table.AddOrUpdateVA(v1, rb, now)

	va, ok = table.GetRoute(v1, now)
	if !ok || va.RA.Addr != b {
		t.Fatalf("GetRoute after retarget = %+v, %v; want RA %s", va, ok, b)
	}

	table.Prune(0, now.Add(time.Second))
	if _, ok := table.GetRoute(v1, now); ok {
		t.Fatalf("GetRoute after prune(timeout=0) should miss")
	}
}

func TestFallbackRouting(t *testing.T) {
	net24 := netip.MustParsePrefix("10.0.0.0/24")
	gw := mustAddr(t, "10.0.0.1")

	table := NewTable([]config.RouteEntry{{Net: net24, Gateway: gw}}, nil)
	now := time.Now()

	a := mustAddrPort(t, "203.0.113.5:4500")
	ra := table.GetOrAddRA(a, now)
	table.AddOrUpdateVA(gw, ra, now)

	target := mustAddr(t, "10.0.0.5")
	va, ok := table.GetRoute(target, now)
	if !ok || va.RA.Addr != a {
		t.Fatalf("GetRoute(fallback) = %+v, %v; want RA %s", va, ok, a)
	}
	if !table.HasVA(target) {
		t.Fatalf("fallback route should have inserted a VA for %s", target)
	}
}

func TestGetOrAddRASeedsRandomSequence(t *testing.T) {
	table := NewTable(nil, nil)
	now := time.Now()
	ra := table.GetOrAddRA(mustAddrPort(t, "10.9.0.9:1"), now)
	first := ra.Seq()
	if got, want := ra.NextSeq(), first+1; got != want {
		t.Fatalf("NextSeq() = %d, want %d (wrapping increment of seed)", got, want)
	}
}
