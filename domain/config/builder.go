package config

import (
	"fmt"
	"net/netip"
	"time"
)

// Defaults applied by NewBuilder when a knob is left unset.
const (
	DefaultMTU               = 1400
	DefaultKeepaliveInterval = 7 * time.Second
	DefaultReconnectTimeout  = 45 * time.Second
	DefaultRebindTimeout     = 20 * time.Second
	DefaultClientLiveness    = 3 * time.Minute
)

// Builder constructs a Configuration through a fluent, validating API. It
// is the surface an outer CLI/flag parser calls into.
type Builder struct {
	cfg Configuration
	err error
}

// NewBuilder returns a Builder pre-populated with defaults.
func NewBuilder() *Builder {
	return &Builder{
		cfg: Configuration{
			MTU:                   DefaultMTU,
			KeepaliveInterval:     DefaultKeepaliveInterval,
			ReconnectTimeout:      DefaultReconnectTimeout,
			RebindTimeout:         DefaultRebindTimeout,
			ClientLivenessTimeout: DefaultClientLiveness,
			ControlBaseDir:        "/var/run/minivtun",
		},
	}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) WithIfName(name string) *Builder {
	b.cfg.IfName = name
	return b
}

func (b *Builder) WithMTU(mtu int) *Builder {
	if mtu == 0 {
		return b // unset in JSON: keep default
	}
	b.cfg.MTU = mtu
	return b
}

func (b *Builder) WithLocalIPv4(p netip.Prefix) *Builder {
	if !p.Addr().Is4() {
		return b.fail(fmt.Errorf("%w: local IPv4 prefix is not IPv4", errInvalidArg))
	}
	b.cfg.LocalIPv4 = p
	return b
}

func (b *Builder) WithLocalIPv6(p netip.Prefix) *Builder {
	if p.Addr().Is4() {
		return b.fail(fmt.Errorf("%w: local IPv6 prefix is not IPv6", errInvalidArg))
	}
	b.cfg.LocalIPv6 = p
	return b
}

func (b *Builder) WithBindAddr(addr string) *Builder {
	b.cfg.BindAddr = addr
	return b
}

// AddServer appends a server address ("host:port" or
// "host:portLow-portHigh") to the ordered rotation list.
func (b *Builder) AddServer(addr string) *Builder {
	h, err := ParseHost(addr)
	if err != nil {
		return b.fail(err)
	}
	b.cfg.Servers = append(b.cfg.Servers, h)
	return b
}

// WithCipher sets the cipher kind ("aes-128" or "aes-256") and shared
// secret. kind == "" leaves plaintext mode.
func (b *Builder) WithCipher(kind, secret string) *Builder {
	b.cfg.Cipher = CipherSpec{Kind: kind, Secret: secret}
	return b
}

// AddRoute appends a configured static route: net, with an optional
// gateway virtual IP (zero Addr means "no gateway").
func (b *Builder) AddRoute(network netip.Prefix, gateway netip.Addr) *Builder {
	b.cfg.Routes = append(b.cfg.Routes, RouteEntry{Net: network, Gateway: gateway})
	return b
}

func (b *Builder) WithKeepaliveInterval(d time.Duration) *Builder {
	if d > 0 {
		b.cfg.KeepaliveInterval = d
	}
	return b
}

func (b *Builder) WithReconnectTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.cfg.ReconnectTimeout = d
	}
	return b
}

func (b *Builder) WithRebindTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.cfg.RebindTimeout = d
	}
	return b
}

func (b *Builder) WithClientLivenessTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.cfg.ClientLivenessTimeout = d
	}
	return b
}

func (b *Builder) WithFirewallMark(mark int) *Builder {
	b.cfg.FirewallMark = mark
	b.cfg.HasFWMark = true
	return b
}

func (b *Builder) WithWaitForDNS(wait bool) *Builder {
	b.cfg.WaitForDNS = wait
	return b
}

func (b *Builder) WithRebindEnabled(enabled bool) *Builder {
	b.cfg.Rebind = enabled
	return b
}

func (b *Builder) WithRendezvous(r RendezvousConfig) *Builder {
	b.cfg.Rendezvous = r
	return b
}

func (b *Builder) WithControlBaseDir(dir string) *Builder {
	if dir != "" {
		b.cfg.ControlBaseDir = dir
	}
	return b
}

// Build validates and returns the finished Configuration.
func (b *Builder) Build() (Configuration, error) {
	if b.err != nil {
		return Configuration{}, b.err
	}
	if err := b.cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return b.cfg, nil
}
