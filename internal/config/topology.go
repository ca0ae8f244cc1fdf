package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/netlab-dev/dataplane/internal/link"
	"github.com/netlab-dev/dataplane/internal/router"
	"github.com/netlab-dev/dataplane/internal/wire"
)

// -------------------------------------------------------------------------
// Topology Files — whitespace-separated text
// -------------------------------------------------------------------------

// The router's startup inputs are three plain text files: the two below
// and the link map described at LoadLinks. Blank lines and
// #-comments are skipped; every other line is whitespace-separated
// fields.
//
// Interface list, one interface per line:
//
//	eth0 aa:bb:cc:00:00:01 10.0.1.1
//
// Routing table, one route per line (destination, gateway, mask,
// egress interface):
//
//	10.0.2.0 10.0.2.5 255.255.255.0 eth1

// Topology parse errors.
var (
	// ErrBadInterfaceLine indicates a malformed interface list line.
	ErrBadInterfaceLine = errors.New("malformed interface line")

	// ErrBadRouteLine indicates a malformed routing table line.
	ErrBadRouteLine = errors.New("malformed route line")

	// ErrBadLinkLine indicates a malformed link map line.
	ErrBadLinkLine = errors.New("malformed link line")

	// ErrBadMAC indicates an unparsable link-layer address.
	ErrBadMAC = errors.New("malformed MAC address")
)

// LoadInterfaces parses the interface list file.
func LoadInterfaces(path string) ([]router.Interface, error) {
	lines, err := readTopologyLines(path)
	if err != nil {
		return nil, fmt.Errorf("load interfaces: %w", err)
	}

	ifaces := make([]router.Interface, 0, len(lines))
	for _, ln := range lines {
		fields := strings.Fields(ln.text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: %d fields: %w", path, ln.num, len(fields), ErrBadInterfaceLine)
		}

		mac, err := ParseMAC(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, ln.num, err)
		}

		addr, err := netip.ParseAddr(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse addr %q: %w", path, ln.num, fields[2], err)
		}

		ifaces = append(ifaces, router.Interface{
			Name: fields[0],
			MAC:  mac,
			Addr: addr,
		})
	}

	return ifaces, nil
}

// LoadRoutes parses the routing table file, preserving line order
// (order is the longest-prefix-match tie-break).
func LoadRoutes(path string) ([]router.Route, error) {
	lines, err := readTopologyLines(path)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	routes := make([]router.Route, 0, len(lines))
	for _, ln := range lines {
		fields := strings.Fields(ln.text)
		if len(fields) != 4 {
			return nil, fmt.Errorf("%s:%d: %d fields: %w", path, ln.num, len(fields), ErrBadRouteLine)
		}

		dest, err := netip.ParseAddr(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse dest %q: %w", path, ln.num, fields[0], err)
		}
		gw, err := netip.ParseAddr(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse gateway %q: %w", path, ln.num, fields[1], err)
		}
		mask, err := netip.ParseAddr(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse mask %q: %w", path, ln.num, fields[2], err)
		}

		routes = append(routes, router.Route{
			Dest:    dest,
			Gateway: gw,
			Mask:    mask,
			Egress:  fields[3],
		})
	}

	return routes, nil
}

// LoadLinks parses the link map file binding each interface name to
// its local bind address and the peer address at the far end of the
// emulated wire:
//
//	eth0 127.0.0.1:5001 127.0.0.1:6001
func LoadLinks(path string) ([]link.Port, error) {
	lines, err := readTopologyLines(path)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}

	ports := make([]link.Port, 0, len(lines))
	for _, ln := range lines {
		fields := strings.Fields(ln.text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: %d fields: %w", path, ln.num, len(fields), ErrBadLinkLine)
		}

		local, err := netip.ParseAddrPort(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse local %q: %w", path, ln.num, fields[1], err)
		}
		peer, err := netip.ParseAddrPort(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse peer %q: %w", path, ln.num, fields[2], err)
		}

		ports = append(ports, link.Port{
			Name:  fields[0],
			Local: local,
			Peer:  peer,
		})
	}

	return ports, nil
}

// ParseMAC parses a colon-separated link-layer address.
func ParseMAC(s string) (wire.MAC, error) {
	var mac wire.MAC

	parts := strings.Split(s, ":")
	if len(parts) != wire.MACLen {
		return mac, fmt.Errorf("%q: %w", s, ErrBadMAC)
	}

	for i, p := range parts {
		var b int
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil || len(p) != 2 {
			return mac, fmt.Errorf("%q: %w", s, ErrBadMAC)
		}
		mac[i] = byte(b)
	}

	return mac, nil
}

// topologyLine is one significant line with its 1-based position.
type topologyLine struct {
	num  int
	text string
}

// readTopologyLines returns the non-blank, non-comment lines of path.
func readTopologyLines(path string) ([]topologyLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []topologyLine
	scanner := bufio.NewScanner(f)
	num := 0
	for scanner.Scan() {
		num++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines = append(lines, topologyLine{num: num, text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return lines, nil
}
