// Package router implements the IPv4 forwarding plane: a frame
// dispatcher, an ARP handler and cache, the longest-prefix-match routing
// table, and the ICMP responder.
//
// The core is driven by two event sources: inbound frames delivered via
// HandleFrame, and the 1 Hz ARP maintenance sweep. All forwarding state
// except the ARP cache is immutable after startup.
package router

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/netlab-dev/dataplane/internal/wire"
)

// -------------------------------------------------------------------------
// Interface Table
// -------------------------------------------------------------------------

// Interface is one router port: a name bound to a link-layer and an
// IPv4 address. Created at startup, immutable.
type Interface struct {
	// Name is the interface name (e.g., "eth0").
	Name string

	// MAC is the interface's link-layer address.
	MAC wire.MAC

	// Addr is the interface's IPv4 address.
	Addr netip.Addr
}

// Sentinel errors for table construction and lookup.
var (
	// ErrDuplicateInterface indicates two interfaces share a name.
	ErrDuplicateInterface = errors.New("duplicate interface name")

	// ErrUnknownInterface indicates a lookup for an unconfigured name.
	ErrUnknownInterface = errors.New("unknown interface")

	// ErrNotIPv4 indicates a non-IPv4 address in a table entry.
	ErrNotIPv4 = errors.New("address is not IPv4")
)

// InterfaceTable is the immutable name -> Interface map.
type InterfaceTable struct {
	byName map[string]Interface
	byAddr map[netip.Addr]Interface
}

// NewInterfaceTable builds the table from the startup interface list.
func NewInterfaceTable(ifaces []Interface) (*InterfaceTable, error) {
	t := &InterfaceTable{
		byName: make(map[string]Interface, len(ifaces)),
		byAddr: make(map[netip.Addr]Interface, len(ifaces)),
	}

	for _, ifc := range ifaces {
		if !ifc.Addr.Is4() {
			return nil, fmt.Errorf("interface %s addr %s: %w", ifc.Name, ifc.Addr, ErrNotIPv4)
		}
		if _, dup := t.byName[ifc.Name]; dup {
			return nil, fmt.Errorf("interface %s: %w", ifc.Name, ErrDuplicateInterface)
		}
		t.byName[ifc.Name] = ifc
		t.byAddr[ifc.Addr] = ifc
	}

	return t, nil
}

// Get returns the interface with the given name.
func (t *InterfaceTable) Get(name string) (Interface, bool) {
	ifc, ok := t.byName[name]
	return ifc, ok
}

// GetByAddr returns the interface owning the given IPv4 address.
// Used for the local-delivery check on the forwarding path.
func (t *InterfaceTable) GetByAddr(addr netip.Addr) (Interface, bool) {
	ifc, ok := t.byAddr[addr]
	return ifc, ok
}

// Len returns the number of configured interfaces.
func (t *InterfaceTable) Len() int { return len(t.byName) }

// -------------------------------------------------------------------------
// Routing Table — longest-prefix match
// -------------------------------------------------------------------------

// Route is one static routing entry. Immutable.
type Route struct {
	// Dest is the destination network address.
	Dest netip.Addr

	// Mask is the destination network mask.
	Mask netip.Addr

	// Gateway is the next-hop address. For directly attached networks
	// this is conventionally the final destination itself.
	Gateway netip.Addr

	// Egress is the name of the interface the route sends through.
	Egress string
}

// RoutingTable holds the static routes in configuration order.
// Order matters: among routes sharing the longest matching mask, the
// first encountered wins.
type RoutingTable struct {
	routes []Route
	// masked caches the uint32 form of each route's (dest&mask, mask)
	// so Lookup does no per-packet conversions.
	masked []maskedRoute
}

type maskedRoute struct {
	net  uint32
	mask uint32
}

// NewRoutingTable builds the table from the startup route list,
// preserving order.
func NewRoutingTable(routes []Route) (*RoutingTable, error) {
	t := &RoutingTable{
		routes: make([]Route, len(routes)),
		masked: make([]maskedRoute, len(routes)),
	}

	for i, r := range routes {
		if !r.Dest.Is4() || !r.Mask.Is4() || !r.Gateway.Is4() {
			return nil, fmt.Errorf("route %s/%s via %s: %w", r.Dest, r.Mask, r.Gateway, ErrNotIPv4)
		}
		mask := addrToUint32(r.Mask)
		t.routes[i] = r
		t.masked[i] = maskedRoute{
			net:  addrToUint32(r.Dest) & mask,
			mask: mask,
		}
	}

	return t, nil
}

// Lookup returns the longest-prefix-match route for dst. Among matches,
// the largest mask wins; ties keep the first-encountered entry.
func (t *RoutingTable) Lookup(dst netip.Addr) (Route, bool) {
	d := addrToUint32(dst)

	best := -1
	var bestMask uint32
	for i, mr := range t.masked {
		if d&mr.mask != mr.net {
			continue
		}
		if best == -1 || mr.mask > bestMask {
			best = i
			bestMask = mr.mask
		}
	}

	if best == -1 {
		return Route{}, false
	}
	return t.routes[best], true
}

// Len returns the number of routes.
func (t *RoutingTable) Len() int { return len(t.routes) }

// addrToUint32 converts an IPv4 netip.Addr to its big-endian uint32 form.
func addrToUint32(addr netip.Addr) uint32 {
	a4 := addr.As4()
	return binary.BigEndian.Uint32(a4[:])
}
