// Package config holds the read-mostly Configuration snapshot shared by
// reference across the reactor, engines, and control endpoint, plus the
// fluent builder used to construct it.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	coreerrors "minivtun/domain/errors"
)

var errInvalidArg = coreerrors.ErrInvalidArg

// Role distinguishes client from server behavior. Per the data model: a
// Configuration with any server addresses or a remote rendezvous id is a
// client; otherwise it is a server.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// RouteEntry is one configured static route: a network and, if it has a
// gateway, the gateway's virtual IP. A zero Gateway means "directly
// reachable" and never participates in the route table fallback, which
// only resolves through a gateway's VA binding.
type RouteEntry struct {
	Net     netip.Prefix
	Gateway netip.Addr
}

func (r RouteEntry) HasGateway() bool { return r.Gateway.IsValid() }

// RendezvousConfig configures the NAT-traversal helper: the rendezvous
// service address list, this endpoint's local id, and (client-side) the
// remote id to connect to.
type RendezvousConfig struct {
	Servers  []string
	LocalID  string
	RemoteID string // empty on the server, which listens rather than connects
}

func (r RendezvousConfig) IsZero() bool {
	return len(r.Servers) == 0 && r.LocalID == "" && r.RemoteID == ""
}

// Configuration is the shared, read-mostly snapshot built by Builder and
// consumed by the reactor and engines.
type Configuration struct {
	MTU int

	LocalIPv4 netip.Prefix
	LocalIPv6 netip.Prefix

	BindAddr string

	Servers []Host

	Cipher CipherSpec

	Routes []RouteEntry

	KeepaliveInterval     time.Duration
	ReconnectTimeout      time.Duration
	RebindTimeout         time.Duration
	ClientLivenessTimeout time.Duration

	FirewallMark int
	HasFWMark    bool

	WaitForDNS bool
	Rebind     bool

	Rendezvous RendezvousConfig

	IfName         string
	ControlBaseDir string
}

// CipherSpec names the block cipher and shared secret used to build a
// domain/cipher.Capability. Kind == "" means plaintext mode.
type CipherSpec struct {
	Kind   string // "", "aes-128", or "aes-256"
	Secret string
}

func (c CipherSpec) Enabled() bool { return c.Kind != "" }

// Role reports client if any server address or remote rendezvous id is
// configured, else server.
func (c Configuration) Role() Role {
	if len(c.Servers) > 0 || c.Rendezvous.RemoteID != "" {
		return RoleClient
	}
	return RoleServer
}

// Validate checks the invariants a Builder-produced Configuration must
// satisfy before use; it is also run after JSON decoding a persisted
// Configuration.
func (c Configuration) Validate() error {
	if c.MTU <= 0 {
		return fmt.Errorf("%w: mtu must be positive", errInvalidArg)
	}
	if !c.LocalIPv4.IsValid() && !c.LocalIPv6.IsValid() {
		return fmt.Errorf("%w: no local virtual address configured", errInvalidArg)
	}
	if c.Cipher.Enabled() && c.Cipher.Kind != "aes-128" && c.Cipher.Kind != "aes-256" {
		return fmt.Errorf("%w: unsupported cipher kind %q", errInvalidArg, c.Cipher.Kind)
	}
	if c.Cipher.Enabled() && c.Cipher.Secret == "" {
		return fmt.Errorf("%w: cipher enabled without a shared secret", errInvalidArg)
	}
	if c.IfName == "" {
		return fmt.Errorf("%w: interface name is required", errInvalidArg)
	}
	return nil
}

// configurationJSON is the persisted wire form.
type configurationJSON struct {
	MTU                     int               `json:"mtu"`
	LocalIPv4               string            `json:"local_ipv4,omitempty"`
	LocalIPv6               string            `json:"local_ipv6,omitempty"`
	BindAddr                string            `json:"bind_addr,omitempty"`
	Servers                 []string          `json:"servers,omitempty"`
	CipherKind              string            `json:"cipher_kind,omitempty"`
	CipherSecret            string            `json:"cipher_secret,omitempty"`
	Routes                  []routeJSON       `json:"routes,omitempty"`
	KeepaliveIntervalMs     int64             `json:"keepalive_interval_ms,omitempty"`
	ReconnectTimeoutMs      int64             `json:"reconnect_timeout_ms,omitempty"`
	RebindTimeoutMs         int64             `json:"rebind_timeout_ms,omitempty"`
	ClientLivenessTimeoutMs int64             `json:"client_liveness_timeout_ms,omitempty"`
	FirewallMark            *int              `json:"firewall_mark,omitempty"`
	WaitForDNS              bool              `json:"wait_for_dns,omitempty"`
	Rebind                  bool              `json:"rebind,omitempty"`
	Rendezvous              *RendezvousConfig `json:"rendezvous,omitempty"`
	IfName                  string            `json:"if_name"`
	ControlBaseDir          string            `json:"control_base_dir,omitempty"`
}

type routeJSON struct {
	Net     string `json:"net"`
	Gateway string `json:"gateway,omitempty"`
}

// MarshalJSON renders the Configuration to its persisted form.
func (c Configuration) MarshalJSON() ([]byte, error) {
	obj := configurationJSON{
		MTU:                     c.MTU,
		BindAddr:                c.BindAddr,
		CipherKind:              c.Cipher.Kind,
		CipherSecret:            c.Cipher.Secret,
		KeepaliveIntervalMs:     c.KeepaliveInterval.Milliseconds(),
		ReconnectTimeoutMs:      c.ReconnectTimeout.Milliseconds(),
		RebindTimeoutMs:         c.RebindTimeout.Milliseconds(),
		ClientLivenessTimeoutMs: c.ClientLivenessTimeout.Milliseconds(),
		WaitForDNS:              c.WaitForDNS,
		Rebind:                  c.Rebind,
		IfName:                  c.IfName,
		ControlBaseDir:          c.ControlBaseDir,
	}
	if c.LocalIPv4.IsValid() {
		obj.LocalIPv4 = c.LocalIPv4.String()
	}
	if c.LocalIPv6.IsValid() {
		obj.LocalIPv6 = c.LocalIPv6.String()
	}
	for _, s := range c.Servers {
		obj.Servers = append(obj.Servers, s.String())
	}
	for _, r := range c.Routes {
		rj := routeJSON{Net: r.Net.String()}
		if r.HasGateway() {
			rj.Gateway = r.Gateway.String()
		}
		obj.Routes = append(obj.Routes, rj)
	}
	if c.HasFWMark {
		obj.FirewallMark = &c.FirewallMark
	}
	if !c.Rendezvous.IsZero() {
		rc := c.Rendezvous
		obj.Rendezvous = &rc
	}
	return json.Marshal(obj)
}

// UnmarshalJSON parses a persisted Configuration and validates it.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	var obj configurationJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: invalid configuration json: %v", errInvalidArg, err)
	}

	b := NewBuilder().
		WithIfName(obj.IfName).
		WithMTU(obj.MTU).
		WithBindAddr(obj.BindAddr).
		WithKeepaliveInterval(time.Duration(obj.KeepaliveIntervalMs) * time.Millisecond).
		WithReconnectTimeout(time.Duration(obj.ReconnectTimeoutMs) * time.Millisecond).
		WithRebindTimeout(time.Duration(obj.RebindTimeoutMs) * time.Millisecond).
		WithClientLivenessTimeout(time.Duration(obj.ClientLivenessTimeoutMs) * time.Millisecond).
		WithWaitForDNS(obj.WaitForDNS).
		WithRebindEnabled(obj.Rebind).
		WithControlBaseDir(obj.ControlBaseDir)

	if obj.LocalIPv4 != "" {
		p, err := netip.ParsePrefix(obj.LocalIPv4)
		if err != nil {
			return fmt.Errorf("%w: local_ipv4: %v", errInvalidArg, err)
		}
		b = b.WithLocalIPv4(p)
	}
	if obj.LocalIPv6 != "" {
		p, err := netip.ParsePrefix(obj.LocalIPv6)
		if err != nil {
			return fmt.Errorf("%w: local_ipv6: %v", errInvalidArg, err)
		}
		b = b.WithLocalIPv6(p)
	}
	for _, s := range obj.Servers {
		b = b.AddServer(s)
	}
	if obj.CipherKind != "" {
		b = b.WithCipher(obj.CipherKind, obj.CipherSecret)
	}
	for _, rj := range obj.Routes {
		n, err := netip.ParsePrefix(rj.Net)
		if err != nil {
			return fmt.Errorf("%w: route net %q: %v", errInvalidArg, rj.Net, err)
		}
		var gw netip.Addr
		if rj.Gateway != "" {
			gw, err = netip.ParseAddr(rj.Gateway)
			if err != nil {
				return fmt.Errorf("%w: route gateway %q: %v", errInvalidArg, rj.Gateway, err)
			}
		}
		b = b.AddRoute(n, gw)
	}
	if obj.FirewallMark != nil {
		b = b.WithFirewallMark(*obj.FirewallMark)
	}
	if obj.Rendezvous != nil {
		b = b.WithRendezvous(*obj.Rendezvous)
	}

	built, err := b.Build()
	if err != nil {
		return err
	}
	*c = built
	return nil
}
