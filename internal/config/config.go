// Package config implements FinDAG's configuration surface (spec §6):
// recognized options, defaults, and validation. Grounded on the teacher's
// node/config.go (DefaultConfig/ValidateConfig/NormalizePeers shape),
// extended with FinDAG's round/committee/DAG/mempool knobs and `.env`
// loading via github.com/joho/godotenv (the way orbas1-Synnergy loads its
// process environment at startup).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every option spec §6 recognizes. The orchestrator
// (cmd/findagnode) is solely responsible for populating this from flags,
// environment, and `.env` files — the core itself never reads the process
// environment directly (spec §6: "the core does not read environment
// variables directly; the orchestrator injects configuration").
type Config struct {
	NetworkID        string
	StoragePath      string
	BindAddr         string
	Peers            []string
	LogLevel         string

	RoundDurationMS  int
	CommitteeSize    int
	MaxParents       int
	MaxTxPerBlock    int
	MinFee           uint64
	MempoolSoftCap   int
	WOrphan          uint64
	WPending         time.Duration
	QuorumFraction   float64
	BalanceCacheSize int
}

var allowedLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

func Default() Config {
	return Config{
		NetworkID:        "devnet",
		StoragePath:      "./findag-data",
		BindAddr:         "0.0.0.0:9121",
		LogLevel:         "info",
		RoundDurationMS:  200,
		CommitteeSize:    21,
		MaxParents:       4,
		MaxTxPerBlock:    10000,
		MinFee:           0,
		MempoolSoftCap:   1_000_000,
		WOrphan:          64,
		WPending:         10 * 200 * time.Millisecond,
		QuorumFraction:   2.0/3.0 + 1,
		BalanceCacheSize: 65536,
	}
}

// LoadDotEnv loads a `.env` file (if present) into the process environment
// before flag/explicit overrides are applied. A missing file is not an
// error (matches godotenv.Load's own convention, adopted by Synnergy).
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces spec §6's recognized ranges, returning a
// ConfigInvalid-flavored error on the first violation.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.NetworkID) == "" {
		return errors.New("network_id is required")
	}
	if strings.TrimSpace(cfg.StoragePath) == "" {
		return errors.New("storage_path is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validateAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	if _, ok := allowedLogLevels[strings.ToLower(strings.TrimSpace(cfg.LogLevel))]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.RoundDurationMS < 50 || cfg.RoundDurationMS > 1000 {
		return fmt.Errorf("round_duration_ms must be in [50, 1000], got %d", cfg.RoundDurationMS)
	}
	if cfg.CommitteeSize < 3 || cfg.CommitteeSize > 100 {
		return fmt.Errorf("committee_size must be in [3, 100], got %d", cfg.CommitteeSize)
	}
	if cfg.MaxParents < 1 || cfg.MaxParents > 8 {
		return fmt.Errorf("max_parents must be in [1, 8], got %d", cfg.MaxParents)
	}
	if cfg.MaxTxPerBlock < 1 || cfg.MaxTxPerBlock > 100000 {
		return fmt.Errorf("max_tx_per_block must be in [1, 100000], got %d", cfg.MaxTxPerBlock)
	}
	if cfg.MempoolSoftCap <= 0 {
		return errors.New("mempool_soft_cap must be > 0")
	}
	if cfg.QuorumFraction <= 0 {
		return errors.New("quorum_fraction must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

// RoundDuration returns the configured round duration as a time.Duration.
func (c Config) RoundDuration() time.Duration {
	return time.Duration(c.RoundDurationMS) * time.Millisecond
}

// Quorum computes Q = ceil(2*|committee|/3) + 1 per spec §3/Glossary.
func Quorum(committeeSize int) int {
	if committeeSize <= 0 {
		return 0
	}
	return (2*committeeSize+2)/3 + 1
}
