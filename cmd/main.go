package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/luca-patrignani/pow-consensus/config"
	"github.com/luca-patrignani/pow-consensus/network"
	"github.com/luca-patrignani/pow-consensus/node"
)

type cliOptions struct {
	configPath string
	simulate   bool
	tls        bool
	addresses  map[int]string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := newLogger(cfg.Log.Level)
	printBanner(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var summaries []node.Summary
	if opts.simulate {
		summaries, err = simulate(ctx, cfg, opts.tls, logger)
	} else {
		summaries, err = runPeer(ctx, cfg, opts.addresses, logger)
	}
	if len(summaries) > 0 {
		printSummaries(summaries)
	}
	if err != nil {
		logger.Error(err.Error())
		return 1
	}
	return 0
}

// parseArgs builds the configuration: defaults, then the TOML file given with
// -config, then the flags explicitly set on the command line.
func parseArgs(args []string, output io.Writer) (config.Config, cliOptions, error) {
	d := config.Default()
	var opts cliOptions
	fs := flag.NewFlagSet("pow-consensus", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "TOML configuration file")
	id := fs.Int("id", d.Peer.ID, "id of this peer")
	count := fs.Int("n", d.Peer.Count, "number of peers")
	host := fs.String("host", d.Peer.Host, "host of every peer")
	basePort := fs.Int("base-port", d.Peer.BasePort, "port of peer 0, peer i listens on base-port+i")
	port := fs.Int("port", d.Peer.Port, "listening port, overrides base-port+id")
	peers := fs.String("peers", "", "comma separated addresses of all peers ordered by id, overrides host and ports")
	zeros := fs.Int("zeros", d.Consensus.TargetZeros, "leading zero hex digits a block hash needs")
	mode := fs.String("termination", d.Termination.Mode, "termination detector: chain-length or gossip")
	storage := fs.String("storage", d.Storage.Backend, "chain storage: memory or badger")
	dataDir := fs.String("data-dir", d.Storage.Dir, "badger directory, in memory when empty")
	level := fs.String("log-level", d.Log.Level, "debug, info, warn or error")
	fs.BoolVar(&opts.simulate, "simulate", false, "run every peer in this process")
	fs.BoolVar(&opts.tls, "tls", false, "secure the simulated links with a generated certificate")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, opts, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, opts, fmt.Errorf("unexpected arguments %v", fs.Args())
	}

	cfg := d
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return config.Config{}, opts, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.Peer.ID = *id
		case "n":
			cfg.Peer.Count = *count
		case "host":
			cfg.Peer.Host = *host
		case "base-port":
			cfg.Peer.BasePort = *basePort
		case "port":
			cfg.Peer.Port = *port
		case "zeros":
			cfg.Consensus.TargetZeros = *zeros
		case "termination":
			cfg.Termination.Mode = *mode
		case "storage":
			cfg.Storage.Backend = *storage
		case "data-dir":
			cfg.Storage.Dir = *dataDir
		case "log-level":
			cfg.Log.Level = *level
		}
	})
	if *peers != "" {
		addresses, err := parsePeers(*peers, cfg.Peer.Host, cfg.Peer.BasePort)
		if err != nil {
			return config.Config{}, opts, err
		}
		cfg.Peer.Count = len(addresses)
		opts.addresses = addresses
	}
	if opts.tls && !opts.simulate {
		return config.Config{}, opts, errors.New("-tls needs -simulate, set [network.tls] in the config file instead")
	}
	if opts.simulate && opts.addresses != nil {
		return config.Config{}, opts, errors.New("-peers cannot be used with -simulate")
	}
	if opts.simulate {
		// every simulated peer gets its own port
		cfg.Peer.Port = 0
	}
	return cfg, opts, cfg.Validate()
}

func newLogger(level string) *slog.Logger {
	l, err := config.ParseLevel(level)
	if err != nil {
		l = slog.LevelInfo
	}
	ptermLevel := pterm.LogLevelInfo
	switch {
	case l <= slog.LevelDebug:
		ptermLevel = pterm.LogLevelDebug
	case l >= slog.LevelError:
		ptermLevel = pterm.LogLevelError
	case l >= slog.LevelWarn:
		ptermLevel = pterm.LogLevelWarn
	}
	handler := pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(ptermLevel))
	return slog.New(handler)
}

func runPeer(ctx context.Context, cfg config.Config, addresses map[int]string, logger *slog.Logger) ([]node.Summary, error) {
	opts := []node.Option{node.WithLogger(logger)}
	if addresses != nil {
		opts = append(opts, node.WithAddresses(addresses))
	}
	n, err := node.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	pterm.Info.Printfln("Peer %d of %d listening on %s, run %s", cfg.Peer.ID, cfg.Peer.Count,
		n.Peer().Addresses[cfg.Peer.ID], n.RunID())

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %d peers...", cfg.Peer.Count-1))
	var once sync.Once
	n.Peer().OnFullyConnected(func() {
		once.Do(func() { spinner.Success("Connected to every peer") })
	})
	err = n.Run(ctx)
	once.Do(func() { spinner.Warning("Some peers never connected") })
	return []node.Summary{n.Summary()}, err
}

// simulate runs all the peers of cfg in this process, each on its own port.
func simulate(ctx context.Context, cfg config.Config, withTLS bool, logger *slog.Logger) ([]node.Summary, error) {
	var extra []node.Option
	if withTLS {
		opts, err := sharedCertificate(cfg)
		if err != nil {
			return nil, err
		}
		extra = append(extra, node.WithPeerOptions(opts...))
	}

	nodes := make([]*node.Node, 0, cfg.Peer.Count)
	for i := 0; i < cfg.Peer.Count; i++ {
		c := cfg
		c.Peer.ID = i
		if c.Storage.Backend == config.StorageBadger && c.Storage.Dir != "" {
			c.Storage.Dir = filepath.Join(cfg.Storage.Dir, "peer-"+strconv.Itoa(i))
		}
		n, err := node.New(c, append([]node.Option{node.WithLogger(logger)}, extra...)...)
		if err != nil {
			for _, started := range nodes {
				started.Shutdown("setup failed")
			}
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	pterm.Info.Printfln("Simulating %d peers on %s from port %d", cfg.Peer.Count, cfg.Peer.Host, cfg.Peer.BasePort)

	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("peer %d: %w", i, err)
			}
		}()
	}
	wg.Wait()

	summaries := make([]node.Summary, len(nodes))
	for i, n := range nodes {
		summaries[i] = n.Summary()
	}
	return summaries, errors.Join(errs...)
}

// sharedCertificate generates one certificate used and trusted by every
// simulated peer.
func sharedCertificate(cfg config.Config) ([]network.PeerOption, error) {
	address := network.Addresses(cfg.Peer.Host, cfg.Peer.BasePort, 1)[0]
	cert, certPEM, err := network.GenerateSelfSignedCert(address)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	pool, err := certPool(certPEM)
	if err != nil {
		return nil, err
	}
	return []network.PeerOption{network.WithCertificate(cert), network.WithLimitedCAs(pool)}, nil
}
