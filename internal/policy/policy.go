// Package policy is a reference implementation of the peer-policy
// collaborator the specification treats as external to the core: deciding,
// for a given peer address, whether the connection should be upgraded to
// the RDMA message ring at all. The core message ring never imports this
// package; a shim wires them together.
package policy

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/vishvananda/netlink"
)

// Policy decides whether a given peer address is RDMA-capable, and tracks
// a generation counter for the fork-then-lazily-establish pattern the
// specification's design notes describe (section 9): a forked child
// inherits the parent's Policy and must re-check IsRDMACapable only after
// observing a generation bump, rather than trusting the state it forked
// with.
type Policy struct {
	allow      glob.Glob
	generation atomic.Uint64
}

// FromEnv builds a Policy from the USE_RDMA environment variable, a glob
// pattern matched against a peer's address (e.g. "10.0.*.*"). An unset or
// empty variable disables RDMA for every peer.
func FromEnv() (*Policy, error) {
	return New(os.Getenv("USE_RDMA"))
}

// New builds a Policy from an explicit glob pattern. An empty pattern
// disables RDMA for every peer.
func New(pattern string) (*Policy, error) {
	if pattern == "" {
		return &Policy{}, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("policy: invalid USE_RDMA pattern %q: %w", pattern, err)
	}
	return &Policy{allow: g}, nil
}

// IsRDMACapable reports whether addr should be upgraded to the RDMA
// message ring.
func (p *Policy) IsRDMACapable(addr string) bool {
	if p.allow == nil {
		return false
	}
	return p.allow.Match(addr)
}

// Generation returns the current fork generation.
func (p *Policy) Generation() uint64 { return p.generation.Load() }

// Reload bumps the fork generation, for a SIGHUP-driven reload: a forked
// child (or an updated allow list) must re-derive whatever it cached from
// the previous generation's state.
func (p *Policy) Reload() uint64 { return p.generation.Add(1) }

// LocalRDMADevices lists the names of local links that expose an RDMA
// device, by asking netlink for every link and filtering to the subset
// whose operational state is up and whose name matches a known RDMA NIC
// naming convention (ConnectX/Mellanox "ibX"/"mlx5_X"-style interfaces
// surface as ordinary netlink links alongside their verbs device).
func LocalRDMADevices() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("policy: listing netlink links: %w", err)
	}

	var names []string
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.OperState != netlink.OperUp {
			continue
		}
		if looksLikeRDMALink(attrs.Name) {
			names = append(names, attrs.Name)
		}
	}
	return names, nil
}

func looksLikeRDMALink(name string) bool {
	for _, prefix := range []string{"ib", "roce", "mlx"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
