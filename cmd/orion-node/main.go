package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"orionmesh/internal/config"
	"orionmesh/internal/daemon"
	"orionmesh/internal/discovery"
	"orionmesh/internal/logging"
	"orionmesh/internal/metrics"
	"orionmesh/internal/network"
	"orionmesh/internal/node"
	"orionmesh/internal/notify"
	"orionmesh/internal/pprofutil"
)

var stdin io.Reader = os.Stdin

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: orion-node <run|status|peers> [flags]")
	fmt.Fprintln(w, "  run     [--listen :8888] [--transport tcp|quic] [--name N] [--peer addr]... [--no-repl]")
	fmt.Fprintln(w, "  status  show the last metrics snapshot of a running node")
	fmt.Fprintln(w, "  peers   list remembered peer addresses")
	fmt.Fprintln(w, "common flags: --data-dir, --config, --log-level, --debug")
}

// loadConfig parses the shared flag set for a subcommand.
func loadConfig(name string, args []string, stderr io.Writer, extra func(*pflag.FlagSet)) (config.Config, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.BindFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, fs, nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	var noRepl bool
	cfg, _, err := loadConfig("run", args, stderr, func(fs *pflag.FlagSet) {
		fs.BoolVar(&noRepl, "no-repl", false, "run headless until interrupted")
	})
	if err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(stderr, "config: %v\n", err)
		}
		return 1
	}
	log, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	self, err := node.NewNode(cfg.DataDir, node.Options{
		Name:       cfg.Name,
		Passphrase: cfg.Passphrase(),
		SeenCap:    cfg.Gossip.SeenCap,
		HistoryCap: cfg.Gossip.HistoryCap,
		AttemptTTL: cfg.Session.AttemptReset,
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	log = log.With(zap.String("device_id", self.ID()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	runner, err := newRunner(cfg, self, metrics.New(reg), log)
	if err != nil {
		fmt.Fprintf(stderr, "setup failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.DebugAddr != "" {
		if _, err := pprofutil.Start(ctx, pprofutil.Options{Addr: cfg.DebugAddr, Gatherer: reg, Logger: log}); err != nil {
			fmt.Fprintf(stderr, "debug server: %v\n", err)
			return 1
		}
	}
	if err := runner.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s device_id=%s\n", runner.ListenAddr(), self.ID())

	if noRepl {
		<-ctx.Done()
	} else {
		repl(ctx, runner, stdin, stdout)
		stop()
	}
	if err := runner.Stop(); err != nil {
		fmt.Fprintf(stderr, "stop: %v\n", err)
		return 1
	}
	return 0
}

// newRunner wires transport, discovery, notifications and metrics from cfg.
func newRunner(cfg config.Config, self *node.Node, m *metrics.Metrics, log *zap.Logger) (*daemon.Runner, error) {
	tr, err := network.New(cfg.Transport, network.Options{
		DialTimeout:   cfg.Session.DialTimeout,
		MaxConnsPerIP: cfg.Session.MaxInboundPerIP,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	var r *daemon.Runner
	sources := []discovery.Source{discovery.Static{Addrs: cfg.Discovery.Peers}}
	if cfg.Discovery.MDNS {
		sources = append(sources, &discovery.MDNS{
			ID:       self.ID(),
			Name:     self.Name,
			Port:     portOf(cfg.ListenAddr),
			PortFunc: func() int { return r.ListenPort() },
			Logger:   log,
		})
	}
	var announce *network.Announcer
	if cfg.Announce.Enabled {
		announce = &network.Announcer{
			Port:     cfg.Announce.Port,
			Targets:  cfg.Announce.Targets,
			Interval: cfg.Announce.Interval,
			Logger:   log,
		}
	}
	notifiers := notify.Multi{notify.Log{Logger: log}}
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, notify.NewDesktop(log))
	}
	r, err = daemon.NewRunner(self, daemon.Options{
		Transport:        tr,
		ListenAddr:       cfg.ListenAddr,
		Metrics:          m,
		Logger:           log,
		Notifier:         notifiers,
		Sources:          sources,
		Announce:         announce,
		InitialTTL:       cfg.Gossip.InitialTTL,
		Retention:        cfg.Gossip.Retention,
		SweepInterval:    cfg.Gossip.SweepInterval,
		Sign:             cfg.Gossip.Sign,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		RetryDelay:       cfg.Session.RetryDelay,
		AttemptReset:     cfg.Session.AttemptReset,
		SnapPath:         filepath.Join(cfg.DataDir, node.MetricsFile),
	})
	return r, err
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig("status", args, stderr, nil)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	snap, ok := readMetricsSnapshot(filepath.Join(cfg.DataDir, node.MetricsFile))
	if !ok {
		fmt.Fprintln(stdout, "status: no snapshot (node not running?)")
		return 1
	}
	fmt.Fprintf(stdout, "device: %s\n", snap.DeviceID)
	fmt.Fprintf(stdout, "status: %s (as of %s)\n", snap.Status, snap.GeneratedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(stdout, "  sessions: %d\n", snap.Sessions)
	fmt.Fprintf(stdout, "  stored messages: %d\n", snap.Stored)
	g := snap.Gossip
	fmt.Fprintf(stdout, "  received=%d sent=%d relayed=%d duplicate=%d\n", g.Received, g.Sent, g.Relayed, g.Duplicate)
	fmt.Fprintf(stdout, "  sync: sent=%d requested=%d\n", g.SyncSent, g.SyncRequested)
	fmt.Fprintf(stdout, "  dropped: malformed=%d expired=%d bad_signature=%d undecryptable=%d\n",
		g.Malformed, g.Expired, g.SignatureFailure, g.DecryptFailures)
	fmt.Fprintf(stdout, "  dial failures: %d, swept: %d\n", g.DialFailures, g.Swept)
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig("peers", args, stderr, nil)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	self, err := node.NewNode(cfg.DataDir, node.Options{Passphrase: cfg.Passphrase()})
	if err != nil {
		fmt.Fprintf(stdout, "peers: node unavailable: %v\n", err)
		return 1
	}
	for _, p := range self.Peers.List() {
		fmt.Fprintf(stdout, "%s %s addr=%s\n", p.ID, p.Name, p.Addr)
	}
	return 0
}

func readMetricsSnapshot(path string) (metrics.Snapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, false
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, false
	}
	return snap, true
}
