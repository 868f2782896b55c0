// Package config loads sequencer configuration from an optional on-disk
// YAML overlay and environment variables, the way the validator this
// project started from loads its own config: environment variables take
// precedence, required security-relevant values have no defaults, and
// Validate() must be called before the config is trusted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the sequencer process.
type Config struct {
	// Network
	ListenAddr  string
	UDPAddr     string
	MetricsAddr string

	// L1
	L1RPCURL             string
	L1ChainID            int64
	BridgeContractAddr   string
	VerifierContractAddr string
	L1PrivateKey         string

	// Keys / data
	SequencerKeypairPath string
	DataDir              string

	// Database
	StoreBackend string // "memdb" or "goleveldb"
	DatabaseURL  string // optional Postgres DSN for internal/txindex

	// Batch policy
	MaxTransactions int
	MaxShielded     int
	MaxBatchAge     time.Duration
	MinTransactions int

	// Shielded state
	MerkleDepth    int
	RootHistoryLen int

	// Pipeline
	ProveInFlight   int
	SettleInFlight  int
	ShutdownGrace   time.Duration

	// Prover
	ProverMode           string // "mock", "groth16", "remote"
	ProvingKeyPath       string
	VerifyingKeyPath     string
	RemoteProverURL      string
	RemoteProverTimeout  time.Duration

	// Settler
	MaxSettlementRetries int
	SettlementRetryBase  time.Duration
	PollInterval         time.Duration

	// Threshold mempool
	CommitteeThreshold int
	CommitteeSize      int
	MempoolWindow      int // dedup window W for commit tags
	MempoolFreezeWait  time.Duration

	// Bridge ingestor
	BridgeStartSlot uint64
	BridgePollEvery time.Duration

	// Dev / bench
	DevMode bool
	LogLevel string
}

// getEnv returns the environment variable or a default when unset.
func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// yamlOverlay is the subset of Config fields an optional config.yaml may
// override before environment variables are applied on top.
type yamlOverlay struct {
	ListenAddr      string `yaml:"listen_addr"`
	UDPAddr         string `yaml:"udp_addr"`
	MetricsAddr     string `yaml:"metrics_addr"`
	L1RPCURL        string `yaml:"l1_rpc_url"`
	DataDir         string `yaml:"data_dir"`
	StoreBackend    string `yaml:"store_backend"`
	ProverMode      string `yaml:"prover_mode"`
	MaxTransactions int    `yaml:"max_transactions"`
	DevMode         bool   `yaml:"dev_mode"`
}

// overlayPaths mirrors the search order the original config loader used:
// an explicit env-pointed path, then the current directory, then a
// per-user config directory.
func overlayPaths() []string {
	var paths []string
	if p := os.Getenv("ZL_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, "./config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home+"/.zelana/config.yaml")
	}
	return paths
}

func loadOverlay() (*yamlOverlay, error) {
	for _, path := range overlayPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ov yamlOverlay
		if err := yaml.Unmarshal(data, &ov); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		return &ov, nil
	}
	return nil, nil
}

// Load builds a Config from an optional YAML overlay and environment
// variables. Call Validate afterward; Load itself never fails closed.
func Load() (*Config, error) {
	ov, err := loadOverlay()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:  getEnv("ZL_LISTEN_ADDR", overlayOr(ov, "", func(o *yamlOverlay) string { return o.ListenAddr })),
		UDPAddr:     getEnv("ZL_UDP_ADDR", overlayOr(ov, ":7700", func(o *yamlOverlay) string { return o.UDPAddr })),
		MetricsAddr: getEnv("ZL_METRICS_ADDR", overlayOr(ov, ":9090", func(o *yamlOverlay) string { return o.MetricsAddr })),

		L1RPCURL:             getEnv("ZL_L1_RPC_URL", overlayOr(ov, "", func(o *yamlOverlay) string { return o.L1RPCURL })),
		L1ChainID:            getEnvInt64("ZL_L1_CHAIN_ID", 0),
		BridgeContractAddr:   getEnv("ZL_BRIDGE_CONTRACT_ADDR", ""),
		VerifierContractAddr: getEnv("ZL_VERIFIER_CONTRACT_ADDR", ""),
		L1PrivateKey:         getEnv("ZL_L1_PRIVATE_KEY", ""),

		SequencerKeypairPath: getEnv("ZL_KEYPAIR_PATH", ""),
		DataDir:              getEnv("ZL_DATA_DIR", overlayOr(ov, "./data", func(o *yamlOverlay) string { return o.DataDir })),

		StoreBackend: getEnv("ZL_STORE_BACKEND", overlayOr(ov, "goleveldb", func(o *yamlOverlay) string { return o.StoreBackend })),
		DatabaseURL:  getEnv("ZL_DATABASE_URL", ""),

		MaxTransactions: getEnvInt("ZL_MAX_TRANSACTIONS", 64),
		MaxShielded:     getEnvInt("ZL_MAX_SHIELDED", 16),
		MaxBatchAge:     getEnvDuration("ZL_MAX_BATCH_AGE", 200*time.Millisecond),
		MinTransactions: getEnvInt("ZL_MIN_TRANSACTIONS", 1),

		MerkleDepth:    getEnvInt("ZL_MERKLE_DEPTH", 32),
		RootHistoryLen: getEnvInt("ZL_ROOT_HISTORY_LEN", 64),

		ProveInFlight:  getEnvInt("ZL_PROVE_IN_FLIGHT", 4),
		SettleInFlight: getEnvInt("ZL_SETTLE_IN_FLIGHT", 1),
		ShutdownGrace:  getEnvDuration("ZL_SHUTDOWN_GRACE", 10*time.Second),

		ProverMode:          getEnv("ZL_PROVER_MODE", overlayOr(ov, "mock", func(o *yamlOverlay) string { return o.ProverMode })),
		ProvingKeyPath:      getEnv("ZL_PROVING_KEY_PATH", ""),
		VerifyingKeyPath:    getEnv("ZL_VERIFYING_KEY_PATH", ""),
		RemoteProverURL:     getEnv("ZL_REMOTE_PROVER_URL", ""),
		RemoteProverTimeout: getEnvDuration("ZL_REMOTE_PROVER_TIMEOUT", 30*time.Second),

		MaxSettlementRetries: getEnvInt("ZL_MAX_SETTLEMENT_RETRIES", 8),
		SettlementRetryBase:  getEnvDuration("ZL_SETTLEMENT_RETRY_BASE", 500*time.Millisecond),
		PollInterval:         getEnvDuration("ZL_POLL_INTERVAL", 2*time.Second),

		CommitteeThreshold: getEnvInt("ZL_COMMITTEE_THRESHOLD", 3),
		CommitteeSize:      getEnvInt("ZL_COMMITTEE_SIZE", 5),
		MempoolWindow:      getEnvInt("ZL_MEMPOOL_WINDOW", 4096),
		MempoolFreezeWait:  getEnvDuration("ZL_MEMPOOL_FREEZE_WAIT", 3*time.Second),

		BridgeStartSlot: uint64(getEnvInt64("ZL_BRIDGE_START_SLOT", 0)),
		BridgePollEvery: getEnvDuration("ZL_BRIDGE_POLL_EVERY", 4*time.Second),

		DevMode:  getEnvBool("ZL_DEV_MODE", overlayOr(ov, false, func(o *yamlOverlay) bool { return o.DevMode })),
		LogLevel: getEnv("ZL_LOG_LEVEL", "info"),
	}

	if ov != nil && ov.MaxTransactions > 0 && os.Getenv("ZL_MAX_TRANSACTIONS") == "" {
		cfg.MaxTransactions = ov.MaxTransactions
	}

	return cfg, nil
}

func overlayOr[T any](ov *yamlOverlay, def T, get func(*yamlOverlay) T) T {
	if ov == nil {
		return def
	}
	v := get(ov)
	var zero T
	if any(v) == any(zero) {
		return def
	}
	return v
}

// Validate fails closed on any missing or inconsistent required value.
// Security-relevant fields (keypair path, L1 credentials) never receive
// silent defaults.
func (c *Config) Validate() error {
	var errs []string

	if c.SequencerKeypairPath == "" {
		errs = append(errs, "ZL_KEYPAIR_PATH is required")
	}
	if !c.DevMode {
		if c.L1RPCURL == "" {
			errs = append(errs, "ZL_L1_RPC_URL is required outside dev mode")
		}
		if c.BridgeContractAddr == "" {
			errs = append(errs, "ZL_BRIDGE_CONTRACT_ADDR is required outside dev mode")
		}
		if c.VerifierContractAddr == "" {
			errs = append(errs, "ZL_VERIFIER_CONTRACT_ADDR is required outside dev mode")
		}
		if c.L1ChainID == 0 {
			errs = append(errs, "ZL_L1_CHAIN_ID is required outside dev mode")
		}
	}
	if c.ProverMode != "mock" && c.ProverMode != "groth16" && c.ProverMode != "remote" {
		errs = append(errs, fmt.Sprintf("unknown ZL_PROVER_MODE %q", c.ProverMode))
	}
	if c.ProverMode == "groth16" {
		if c.ProvingKeyPath == "" || c.VerifyingKeyPath == "" {
			errs = append(errs, "ZL_PROVING_KEY_PATH and ZL_VERIFYING_KEY_PATH are required for groth16 mode")
		}
	}
	if c.ProverMode == "remote" && c.RemoteProverURL == "" {
		errs = append(errs, "ZL_REMOTE_PROVER_URL is required for remote mode")
	}
	if c.MaxTransactions <= 0 {
		errs = append(errs, "ZL_MAX_TRANSACTIONS must be positive")
	}
	if c.MinTransactions > c.MaxTransactions {
		errs = append(errs, "ZL_MIN_TRANSACTIONS cannot exceed ZL_MAX_TRANSACTIONS")
	}
	if c.CommitteeThreshold <= 0 || c.CommitteeThreshold > c.CommitteeSize {
		errs = append(errs, "ZL_COMMITTEE_THRESHOLD must be in [1, ZL_COMMITTEE_SIZE]")
	}
	if c.RootHistoryLen < 2*c.SettleInFlight {
		errs = append(errs, "ZL_ROOT_HISTORY_LEN must be at least twice the in-flight batch count")
	}
	if c.StoreBackend != "memdb" && c.StoreBackend != "goleveldb" {
		errs = append(errs, fmt.Sprintf("unknown ZL_STORE_BACKEND %q", c.StoreBackend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
