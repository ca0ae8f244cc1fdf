package router_test

import (
	"net/netip"
	"testing"

	"github.com/netlab-dev/dataplane/internal/router"
	"github.com/netlab-dev/dataplane/internal/wire"
)

func TestInterfaceTableLookups(t *testing.T) {
	t.Parallel()

	tbl, err := router.NewInterfaceTable([]router.Interface{
		{Name: "eth0", MAC: wire.MAC{0xaa, 0, 0, 0, 0, 1}, Addr: netip.MustParseAddr("10.0.1.1")},
		{Name: "eth1", MAC: wire.MAC{0xaa, 0, 0, 0, 0, 2}, Addr: netip.MustParseAddr("10.0.2.1")},
	})
	if err != nil {
		t.Fatalf("NewInterfaceTable: %v", err)
	}

	ifc, ok := tbl.Get("eth1")
	if !ok || ifc.Addr != netip.MustParseAddr("10.0.2.1") {
		t.Errorf("Get(eth1) = %+v, %t", ifc, ok)
	}

	ifc, ok = tbl.GetByAddr(netip.MustParseAddr("10.0.1.1"))
	if !ok || ifc.Name != "eth0" {
		t.Errorf("GetByAddr(10.0.1.1) = %+v, %t", ifc, ok)
	}

	if _, ok := tbl.Get("eth9"); ok {
		t.Error("Get(eth9) found an unconfigured interface")
	}
}

func TestInterfaceTableRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := router.NewInterfaceTable([]router.Interface{
		{Name: "eth0", Addr: netip.MustParseAddr("10.0.1.1")},
		{Name: "eth0", Addr: netip.MustParseAddr("10.0.2.1")},
	})
	if err == nil {
		t.Fatal("duplicate interface name accepted")
	}
}

func TestRoutingTableLPM(t *testing.T) {
	t.Parallel()

	tbl, err := router.NewRoutingTable([]router.Route{
		{
			Dest:    netip.MustParseAddr("0.0.0.0"),
			Mask:    netip.MustParseAddr("0.0.0.0"),
			Gateway: netip.MustParseAddr("10.0.0.254"),
			Egress:  "eth0",
		},
		{
			Dest:    netip.MustParseAddr("10.0.2.0"),
			Mask:    netip.MustParseAddr("255.255.255.0"),
			Gateway: netip.MustParseAddr("10.0.2.5"),
			Egress:  "eth1",
		},
		{
			Dest:    netip.MustParseAddr("10.0.0.0"),
			Mask:    netip.MustParseAddr("255.0.0.0"),
			Gateway: netip.MustParseAddr("10.0.0.1"),
			Egress:  "eth2",
		},
	})
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}

	tests := []struct {
		name       string
		dst        string
		wantEgress string
		wantMatch  bool
	}{
		{"most specific /24 wins", "10.0.2.99", "eth1", true},
		{"falls back to /8", "10.9.9.9", "eth2", true},
		{"default route catches the rest", "192.168.99.9", "eth0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			route, ok := tbl.Lookup(netip.MustParseAddr(tt.dst))
			if ok != tt.wantMatch {
				t.Fatalf("Lookup(%s) match = %t, want %t", tt.dst, ok, tt.wantMatch)
			}
			if ok && route.Egress != tt.wantEgress {
				t.Errorf("Lookup(%s) egress = %s, want %s", tt.dst, route.Egress, tt.wantEgress)
			}
		})
	}
}

func TestRoutingTableNoMatch(t *testing.T) {
	t.Parallel()

	tbl, err := router.NewRoutingTable([]router.Route{
		{
			Dest:    netip.MustParseAddr("10.0.1.0"),
			Mask:    netip.MustParseAddr("255.255.255.0"),
			Gateway: netip.MustParseAddr("10.0.1.2"),
			Egress:  "eth0",
		},
	})
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}

	if _, ok := tbl.Lookup(netip.MustParseAddr("192.168.99.9")); ok {
		t.Error("Lookup matched a destination outside every prefix")
	}
}

func TestRoutingTableTieKeepsFirst(t *testing.T) {
	t.Parallel()

	// Two routes with identical prefix and mask: deterministic by order.
	tbl, err := router.NewRoutingTable([]router.Route{
		{
			Dest:    netip.MustParseAddr("10.0.1.0"),
			Mask:    netip.MustParseAddr("255.255.255.0"),
			Gateway: netip.MustParseAddr("10.0.1.2"),
			Egress:  "first",
		},
		{
			Dest:    netip.MustParseAddr("10.0.1.0"),
			Mask:    netip.MustParseAddr("255.255.255.0"),
			Gateway: netip.MustParseAddr("10.0.1.3"),
			Egress:  "second",
		},
	})
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}

	route, ok := tbl.Lookup(netip.MustParseAddr("10.0.1.50"))
	if !ok || route.Egress != "first" {
		t.Errorf("tie-break chose %q, want %q", route.Egress, "first")
	}
}
