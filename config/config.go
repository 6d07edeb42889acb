// Package config holds the configuration of a consensus peer: defaults, TOML
// loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StartOnActive         = "active"
	StartOnFullyConnected = "fully-connected"

	TerminationChainLength = "chain-length"
	TerminationGossip      = "gossip"

	StorageMemory = "memory"
	StorageBadger = "badger"
)

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full configuration of one peer.
type Config struct {
	Peer        PeerConfig        `toml:"peer"`
	Network     NetworkConfig     `toml:"network"`
	Consensus   ConsensusConfig   `toml:"consensus"`
	Termination TerminationConfig `toml:"termination"`
	Storage     StorageConfig     `toml:"storage"`
	Log         LogConfig         `toml:"log"`
}

type PeerConfig struct {
	ID       int    `toml:"id"`
	Count    int    `toml:"count"`
	Host     string `toml:"host"`
	BasePort int    `toml:"base_port"`
	// Port overrides BasePort + ID for the listening endpoint.
	Port int `toml:"port"`
}

type NetworkConfig struct {
	RetryInterval Duration `toml:"retry_interval"`
	// MaxRetries 0 retries until fully connected.
	MaxRetries  int       `toml:"max_retries"`
	DialTimeout Duration  `toml:"dial_timeout"`
	TLS         TLSConfig `toml:"tls"`
}

// TLSConfig enables TLS links when CertFile and KeyFile are set. CAFiles
// restricts the trusted peers.
type TLSConfig struct {
	CertFile string   `toml:"cert_file"`
	KeyFile  string   `toml:"key_file"`
	CAFiles  []string `toml:"ca_files"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type ConsensusConfig struct {
	TargetZeros int `toml:"target_zeros"`
	// MaxAttempts 0 mines without ceiling.
	MaxAttempts      uint64   `toml:"max_attempts"`
	RandomStartNonce bool     `toml:"random_start_nonce"`
	RoundInterval    Duration `toml:"round_interval"`
	StartOn          string   `toml:"start_on"`
	ConfirmCacheSize int      `toml:"confirm_cache_size"`
	QuorumDivisor    int      `toml:"quorum_divisor"`
}

type TerminationConfig struct {
	Mode string `toml:"mode"`
	// ChainLength 0 means the peer count.
	ChainLength        int      `toml:"chain_length"`
	StatusMin          Duration `toml:"status_min"`
	StatusMax          Duration `toml:"status_max"`
	WaitFullyConnected bool     `toml:"wait_fully_connected"`
}

type StorageConfig struct {
	Backend string `toml:"backend"`
	// Dir is the badger directory; empty keeps badger in memory.
	Dir string `toml:"dir"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration of peer 0 of a four peer network.
func Default() Config {
	return Config{
		Peer: PeerConfig{
			ID:       0,
			Count:    4,
			Host:     "localhost",
			BasePort: 8000,
		},
		Network: NetworkConfig{
			RetryInterval: Duration{time.Second},
			MaxRetries:    10,
			DialTimeout:   Duration{time.Second},
		},
		Consensus: ConsensusConfig{
			TargetZeros:      5,
			RoundInterval:    Duration{time.Second},
			StartOn:          StartOnFullyConnected,
			ConfirmCacheSize: 1024,
			QuorumDivisor:    3,
		},
		Termination: TerminationConfig{
			Mode:               TerminationChainLength,
			StatusMin:          Duration{time.Second},
			StatusMax:          Duration{3 * time.Second},
			WaitFullyConnected: true,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load decodes the TOML file at path over the defaults. Keys missing from the
// file keep their default value; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Peer.Count < 1 {
		errs = append(errs, fmt.Errorf("peer count must be at least 1, got %d", c.Peer.Count))
	}
	if c.Peer.ID < 0 || c.Peer.ID >= c.Peer.Count {
		errs = append(errs, fmt.Errorf("peer id must be in [0, %d), got %d", c.Peer.Count, c.Peer.ID))
	}
	if c.Peer.BasePort < 0 || c.Peer.BasePort+c.Peer.Count-1 > 65535 {
		errs = append(errs, fmt.Errorf("ports %d..%d out of range", c.Peer.BasePort, c.Peer.BasePort+c.Peer.Count-1))
	}
	if c.Peer.Port < 0 || c.Peer.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Peer.Port))
	}
	if c.Network.RetryInterval.Duration <= 0 {
		errs = append(errs, errors.New("retry interval must be positive"))
	}
	if c.Network.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	if c.Network.DialTimeout.Duration <= 0 {
		errs = append(errs, errors.New("dial timeout must be positive"))
	}
	if (c.Network.TLS.CertFile == "") != (c.Network.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls needs both a certificate and a key file"))
	}
	if c.Consensus.TargetZeros < 0 || c.Consensus.TargetZeros > 64 {
		errs = append(errs, fmt.Errorf("target zeros must be in [0, 64], got %d", c.Consensus.TargetZeros))
	}
	if c.Consensus.RoundInterval.Duration <= 0 {
		errs = append(errs, errors.New("round interval must be positive"))
	}
	if c.Consensus.StartOn != StartOnActive && c.Consensus.StartOn != StartOnFullyConnected {
		errs = append(errs, fmt.Errorf("unknown start_on %q", c.Consensus.StartOn))
	}
	if c.Consensus.ConfirmCacheSize < 1 {
		errs = append(errs, errors.New("confirm cache size must be positive"))
	}
	if c.Consensus.QuorumDivisor < 1 {
		errs = append(errs, errors.New("quorum divisor must be positive"))
	}
	if c.Termination.Mode != TerminationChainLength && c.Termination.Mode != TerminationGossip {
		errs = append(errs, fmt.Errorf("unknown termination mode %q", c.Termination.Mode))
	}
	if c.Termination.ChainLength < 0 {
		errs = append(errs, errors.New("termination chain length must not be negative"))
	}
	if c.Termination.StatusMin.Duration <= 0 || c.Termination.StatusMax.Duration <= 0 {
		errs = append(errs, errors.New("status intervals must be positive"))
	} else if c.Termination.StatusMin.Duration > c.Termination.StatusMax.Duration {
		errs = append(errs, fmt.Errorf("status_min %s greater than status_max %s", c.Termination.StatusMin, c.Termination.StatusMax))
	}
	if c.Storage.Backend != StorageMemory && c.Storage.Backend != StorageBadger {
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Quorum is the number of distinct confirmations a leader needs.
func (c Config) Quorum() int {
	return c.Peer.Count/c.Consensus.QuorumDivisor + 1
}

// ActiveThreshold is the number of connected peers that makes a peer active.
func (c Config) ActiveThreshold() int {
	return c.Peer.Count / 2
}

// ListenPort is the port this peer listens on.
func (c Config) ListenPort() int {
	if c.Peer.Port != 0 {
		return c.Peer.Port
	}
	return c.Peer.BasePort + c.Peer.ID
}

// TerminationLength is the chain length that stops a chain-length peer.
func (c Config) TerminationLength() int {
	if c.Termination.ChainLength > 0 {
		return c.Termination.ChainLength
	}
	return c.Peer.Count
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}
