// Command hoips is the capture side of the link: it owns one or more
// physical input devices, discovers (or connects directly to) a hoipc peer,
// and forwards device events once the operator presses the configured
// magic key chord.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/evcode"
	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lierdakil/hoip/internal/serversession"
	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	Devices []string
	Connect []string

	ListDevices bool
	DumpEvents  bool

	MagicKey       []string
	ConnectOnStart bool

	DiscoveryMulticast     string
	DiscoveryForceV6       bool
	DiscoveryIfname        string
	DiscoveryBindAddr      string
	DiscoveryRequestPeriod time.Duration
	DiscoveryCacheTimeout  time.Duration
	DiscoveryTimeout       time.Duration

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
		fmt.Printf("hoips version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	enumerator := hiddev.NewEnumerator()

	if cfg.ListDevices {
		return listDevices(enumerator)
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

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("at least one --device is required")
	}
	devices := make([]hiddev.Device, 0, len(cfg.Devices))
	for _, selector := range cfg.Devices {
		dev, err := enumerator.Open(selector)
		if err != nil {
			return fmt.Errorf("open device %q: %w", selector, err)
		}
		defer dev.Close()
		devices = append(devices, dev)
		log.Info("device opened", "selector", selector, "path", dev.Info().Path, "name", dev.Info().Name)
	}

	if cfg.DumpEvents {
		return dumpEvents(ctx, log, devices)
	}

	magicKey, err := resolveMagicKey(cfg.MagicKey)
	if err != nil {
		return err
	}

	selector, disc, err := buildSelector(log, cfg)
	if err != nil {
		return err
	}
	if disc != nil {
		defer disc.Close()
	}

	sess := serversession.New(log.With("component", "session"), devices, selector, serversession.Config{
		MagicKey:         magicKey,
		ConnectOnStart:   cfg.ConnectOnStart,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
	})

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("session ended: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

// buildSelector returns a static round-robin selector over --connect when
// that list is non-empty, otherwise a discovery-mode selector backed by a
// freshly constructed discovery service (returned so the caller can close
// it on shutdown).
func buildSelector(log *slog.Logger, cfg config) (serversession.Selector, *discovery.Service, error) {
	if len(cfg.Connect) > 0 {
		peers := make([]discovery.Peer, 0, len(cfg.Connect))
		for _, addr := range cfg.Connect {
			udpAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve --connect address %q: %w", addr, err)
			}
			peers = append(peers, discovery.Peer{UDPAddr: *udpAddr})
		}
		return serversession.NewStaticSelector(peers), nil, nil
	}

	mcastAddr, err := net.ResolveUDPAddr("udp", cfg.DiscoveryMulticast)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve discovery multicast address %q: %w", cfg.DiscoveryMulticast, err)
	}
	var bindIP net.IP
	var bindZone string
	if cfg.DiscoveryBindAddr != "" {
		bindAddr, err := net.ResolveUDPAddr("udp", cfg.DiscoveryBindAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve --discovery-bind-addr %q: %w", cfg.DiscoveryBindAddr, err)
		}
		bindIP, bindZone = bindAddr.IP, bindAddr.Zone
	} else {
		bindIP = net.IPv4zero
	}
	bindAddr := &net.UDPAddr{IP: bindIP, Zone: bindZone}

	if err := discovery.FixSocketAddr(bindAddr, mcastAddr, cfg.DiscoveryIfname, cfg.DiscoveryForceV6); err != nil {
		return nil, nil, fmt.Errorf("resolve discovery scope: %w", err)
	}

	disc, err := discovery.New(log.With("component", "discovery"), mcastAddr, bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("start discovery service: %w", err)
	}
	sel := serversession.NewDiscoverySelector(log.With("component", "selector"), disc, cfg.DiscoveryRequestPeriod, cfg.DiscoveryCacheTimeout)
	return sel, disc, nil
}

func resolveMagicKey(names []string) ([]uint16, error) {
	keys := make([]uint16, 0, len(names))
	for _, name := range names {
		code, ok := evcode.KeyByName[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("unknown magic key %q", name)
		}
		keys = append(keys, code)
	}
	return keys, nil
}

func listDevices(enumerator hiddev.Enumerator) error {
	infos, err := enumerator.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Name", "Unique ID", "Event Types"})
	for _, info := range infos {
		types := make([]string, 0, len(info.EventTypes))
		for _, t := range info.EventTypes {
			types = append(types, fmt.Sprintf("%d", t))
		}
		table.Append([]string{info.Path, info.Name, info.UniqueID, strings.Join(types, ",")})
	}
	table.Render()
	return nil
}

func dumpEvents(ctx context.Context, log *slog.Logger, devices []hiddev.Device) error {
	for _, dev := range devices {
		dev := dev
		events, errs := dev.Events(ctx)
		go func() {
			for e := range events {
				fmt.Printf("%s: type=%d code=%d value=%d\n", dev.Info().Path, e.Type, e.Code, e.Value)
			}
		}()
		go func() {
			if err := <-errs; err != nil && ctx.Err() == nil {
				log.Warn("device read error", "device", dev.Info().Path, "error", err)
			}
		}()
	}
	<-ctx.Done()
	return ctx.Err()
}

func parseFlags() config {
	cfg := config{}

	flag.StringArrayVar(&cfg.Devices, "device", nil, "Physical device to capture (path, name, or unique id); repeatable")
	flag.StringArrayVar(&cfg.Connect, "connect", nil, "Static peer address to connect to; repeatable. Empty means discovery mode")
	flag.BoolVar(&cfg.ListDevices, "list-devices", false, "List enumerated input devices and exit")
	flag.BoolVar(&cfg.DumpEvents, "dump-events", false, "Print decoded events from --device instead of forwarding")
	flag.StringArrayVar(&cfg.MagicKey, "magic-key", []string{"LEFTCTRL", "LEFTSHIFT", "F12"}, "Magic key chord; repeatable")
	flag.BoolVar(&cfg.ConnectOnStart, "connect-on-start", false, "Select and connect to a peer immediately on startup")

	flag.StringVar(&cfg.DiscoveryMulticast, "discovery-multicast", discovery.DefaultMulticastV4, "Discovery multicast group address")
	flag.BoolVar(&cfg.DiscoveryForceV6, "discovery-force-v6", false, "Force IPv6 discovery even when the multicast address given is IPv4")
	flag.StringVar(&cfg.DiscoveryIfname, "discovery-ifname", "", "Network interface to resolve the IPv6 discovery scope from")
	flag.StringVar(&cfg.DiscoveryBindAddr, "discovery-bind-addr", "", "Local address to bind the discovery socket to")
	flag.DurationVar(&cfg.DiscoveryRequestPeriod, "discovery-request-period", 300*time.Millisecond, "Interval between discovery request broadcasts")
	flag.DurationVar(&cfg.DiscoveryCacheTimeout, "discovery-cache-timeout", 500*time.Millisecond, "How long to wait for a new discovery before reusing a cached peer")
	flag.DurationVar(&cfg.DiscoveryTimeout, "discovery-timeout", 3*time.Second, "Top-level bound on how long peer selection may block")

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
