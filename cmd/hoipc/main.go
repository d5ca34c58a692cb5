// Command hoipc is the virtual-device side of the link: it advertises
// itself over discovery, accepts one forwarding connection at a time from a
// hoips peer, and replays received input events to a locally-created
// virtual device.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lierdakil/hoip/internal/clientsession"
	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	Listen          string
	Name            string
	Bus             uint16
	VendorID        uint16
	ProductID       uint16
	ProductVersion  uint16
	NoHighResScroll bool

	DiscoveryMulticast string
	DiscoveryIfname    string

	Verbose     bool
	ShowVersion bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("hoipc version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	listenAddr, err := net.ResolveTCPAddr("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("resolve listen address %q: %w", cfg.Listen, err)
	}

	mcastAddr, err := net.ResolveUDPAddr("udp", cfg.DiscoveryMulticast)
	if err != nil {
		return fmt.Errorf("resolve discovery multicast address %q: %w", cfg.DiscoveryMulticast, err)
	}
	bindAddr := &net.UDPAddr{IP: listenAddr.IP, Zone: listenAddr.Zone}
	if err := discovery.FixSocketAddr(bindAddr, mcastAddr, cfg.DiscoveryIfname, false); err != nil {
		return fmt.Errorf("resolve discovery scope: %w", err)
	}

	disc, err := discovery.New(log.With("component", "discovery"), mcastAddr, bindAddr)
	if err != nil {
		return fmt.Errorf("start discovery service: %w", err)
	}
	defer disc.Close()

	builder := hiddev.NewVirtualDeviceBuilder()
	vcfg := hiddev.VirtualDeviceConfig{
		Name:           cfg.Name,
		BusType:        cfg.Bus,
		VendorID:       cfg.VendorID,
		ProductID:      cfg.ProductID,
		ProductVersion: cfg.ProductVersion,
		HighResScroll:  !cfg.NoHighResScroll,
	}

	session, err := clientsession.New(log.With("component", "session"), listenAddr, disc, builder, vcfg)
	if err != nil {
		return fmt.Errorf("start client session: %w", err)
	}
	defer session.Close()

	log.Info("listening for forwarding connections", "address", session.Addr().String())

	// Respond runs alongside the session for the life of the process: it
	// answers the server's periodic discovery broadcasts so a peer that
	// missed the one-shot advertisement in acceptWithAdvertise can still
	// find this host.
	respondErrCh := make(chan error, 1)
	go func() { respondErrCh <- disc.Respond(ctx, uint16(session.Addr().Port)) }()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- session.Run(ctx) }()

	select {
	case err := <-respondErrCh:
		cancel()
		<-runErrCh
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("discovery respond: %w", err)
		}
	case err := <-runErrCh:
		cancel()
		<-respondErrCh
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("session ended: %w", err)
		}
	}

	log.Info("shutdown complete")
	return nil
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVar(&cfg.Listen, "listen", "[::]:27056", "TCP listen address for the forwarding connection")
	flag.StringVar(&cfg.Name, "name", "hoip virtual input", "Name reported by the virtual device")
	flag.Uint16Var(&cfg.Bus, "bus", 0x03 /* BUS_USB */, "Virtual device bus type")
	flag.Uint16Var(&cfg.VendorID, "vendor-id", 0x1209, "Virtual device vendor id")
	flag.Uint16Var(&cfg.ProductID, "product-id", 0x0001, "Virtual device product id")
	flag.Uint16Var(&cfg.ProductVersion, "product-version", 1, "Virtual device product version")
	flag.BoolVar(&cfg.NoHighResScroll, "no-high-res-scroll", false, "Disable REL_WHEEL_HI_RES/REL_HWHEEL_HI_RES on the virtual device")

	flag.StringVar(&cfg.DiscoveryMulticast, "discovery-multicast", discovery.DefaultMulticastV4, "Discovery multicast group address")
	flag.StringVar(&cfg.DiscoveryIfname, "discovery-ifname", "", "Network interface to resolve the IPv6 discovery scope from")

	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
