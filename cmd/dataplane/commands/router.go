package commands

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/netlab-dev/dataplane/internal/config"
	"github.com/netlab-dev/dataplane/internal/link"
	dpmetrics "github.com/netlab-dev/dataplane/internal/metrics"
	"github.com/netlab-dev/dataplane/internal/router"
)

// routerCmd runs the software IPv4 router.
func routerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Run the software IPv4 router",
		Long: "Forwards Ethernet frames between the configured interfaces,\n" +
			"resolving next hops via ARP and answering with ICMP control\n" +
			"messages. The interface list, routing table, and link map are\n" +
			"whitespace-separated text files named in the configuration.",
		RunE: func(*cobra.Command, []string) error {
			return runRouter()
		},
	}
}

// runRouter wires the router core to its startup inputs and runs it
// until a termination signal.
func runRouter() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("router starting",
		slog.String("interfaces_file", cfg.Router.InterfacesFile),
		slog.String("routing_table_file", cfg.Router.RoutingTableFile),
	)

	// Immutable startup inputs.
	ifaceList, err := config.LoadInterfaces(cfg.Router.InterfacesFile)
	if err != nil {
		return err
	}
	routeList, err := config.LoadRoutes(cfg.Router.RoutingTableFile)
	if err != nil {
		return err
	}
	ports, err := config.LoadLinks(cfg.Router.LinksFile)
	if err != nil {
		return err
	}

	ifaces, err := router.NewInterfaceTable(ifaceList)
	if err != nil {
		return fmt.Errorf("build interface table: %w", err)
	}
	routes, err := router.NewRoutingTable(routeList)
	if err != nil {
		return fmt.Errorf("build routing table: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := dpmetrics.NewRouterCollector(reg)

	bridge, err := link.NewUDPBridge(ports, logger)
	if err != nil {
		return fmt.Errorf("bring up links: %w", err)
	}
	defer bridge.Close()

	r := router.New(ifaces, routes, bridge, clockwork.NewRealClock(), logger,
		router.WithMetrics(collector),
		router.WithInitTTL(uint8(cfg.Router.InitTTL)), //nolint:gosec // G115: validated 1-255
	)

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg.Metrics, reg, logger)

	g.Go(func() error {
		r.RunMaintenance(gctx)
		return nil
	})
	g.Go(func() error {
		bridge.Run(gctx, r)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("router exited: %w", err)
	}

	logger.Info("router stopped")
	return nil
}
