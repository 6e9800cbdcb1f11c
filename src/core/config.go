package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kryptonchain/bisq/src/witness"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port               string        `json:"port"`
	SeedNodes          []string      `json:"seedNodes"`
	LogLevel           string        `json:"logLevel"`
	DiscoveryInterval  time.Duration `json:"discoveryInterval"`
	RateLimitPerMinute int           `json:"rateLimitPerMinute"`
	MaxBodySizeBytes   int64         `json:"maxBodySizeBytes"`
	DataDir            string        `json:"dataDir"`
	ShutdownTimeout    time.Duration `json:"shutdownTimeout"`
	HTTPClientTimeout  time.Duration `json:"httpClientTimeout"`
	NodeAuthSecret     string        `json:"-"`
	RequireNodeAuth    bool          `json:"requireNodeAuth"`
	GossipTTL          int           `json:"gossipTtl"`

	// Chain validation policy
	ChargebackSafetyPeriod   time.Duration `json:"chargebackSafetyPeriod"`
	MaxChainDepth            int           `json:"maxChainDepth"`
	MaxLinksVisited          int           `json:"maxLinksVisited"`
	MinTradeAmountForSigning int64         `json:"minTradeAmountForSigning"`
	ArbitratorKeys           []string      `json:"arbitratorKeys"`

	IPFSAPIURL     string `json:"ipfsApiUrl"`
	PKCS11Module   string `json:"pkcs11Module"`
	PKCS11Pin      string `json:"-"`
	PKCS11KeyLabel string `json:"pkcs11KeyLabel"`
}

// Default values
const (
	DefaultPort               = "8080"
	DefaultLogLevel           = "info"
	DefaultDiscoveryInterval  = 60 * time.Second
	DefaultRateLimitPerMinute = 100
	DefaultMaxBodySizeBytes   = 1 << 20 // 1MB
	DefaultDataDir            = "./data"
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultHTTPClientTimeout  = 5 * time.Second
	DefaultGossipTTL          = 3
)

// fileConfig mirrors Config for YAML/JSON files. Durations are strings and every
// field is optional so unset values keep their defaults.
type fileConfig struct {
	Port                     *string  `yaml:"port" json:"port"`
	SeedNodes                []string `yaml:"seed_nodes" json:"seedNodes"`
	LogLevel                 *string  `yaml:"log_level" json:"logLevel"`
	DiscoveryInterval        *string  `yaml:"discovery_interval" json:"discoveryInterval"`
	RateLimitPerMinute       *int     `yaml:"rate_limit_per_minute" json:"rateLimitPerMinute"`
	MaxBodySizeBytes         *int64   `yaml:"max_body_size_bytes" json:"maxBodySizeBytes"`
	DataDir                  *string  `yaml:"data_dir" json:"dataDir"`
	ShutdownTimeout          *string  `yaml:"shutdown_timeout" json:"shutdownTimeout"`
	HTTPClientTimeout        *string  `yaml:"http_client_timeout" json:"httpClientTimeout"`
	NodeAuthSecret           *string  `yaml:"node_auth_secret" json:"nodeAuthSecret"`
	RequireNodeAuth          *bool    `yaml:"require_node_auth" json:"requireNodeAuth"`
	GossipTTL                *int     `yaml:"gossip_ttl" json:"gossipTtl"`
	ChargebackSafetyPeriod   *string  `yaml:"chargeback_safety_period" json:"chargebackSafetyPeriod"`
	MaxChainDepth            *int     `yaml:"max_chain_depth" json:"maxChainDepth"`
	MaxLinksVisited          *int     `yaml:"max_links_visited" json:"maxLinksVisited"`
	MinTradeAmountForSigning *int64   `yaml:"min_trade_amount_for_signing" json:"minTradeAmountForSigning"`
	ArbitratorKeys           []string `yaml:"arbitrator_keys" json:"arbitratorKeys"`
	IPFSAPIURL               *string  `yaml:"ipfs_api_url" json:"ipfsApiUrl"`
	PKCS11Module             *string  `yaml:"pkcs11_module" json:"pkcs11Module"`
	PKCS11Pin                *string  `yaml:"pkcs11_pin" json:"pkcs11Pin"`
	PKCS11KeyLabel           *string  `yaml:"pkcs11_key_label" json:"pkcs11KeyLabel"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() *Config {
	policy := witness.DefaultPolicy()
	return &Config{
		Port:                     DefaultPort,
		SeedNodes:                []string{"seed1.witness.network:8080", "seed2.witness.network:8080"},
		LogLevel:                 DefaultLogLevel,
		DiscoveryInterval:        DefaultDiscoveryInterval,
		RateLimitPerMinute:       DefaultRateLimitPerMinute,
		MaxBodySizeBytes:         DefaultMaxBodySizeBytes,
		DataDir:                  DefaultDataDir,
		ShutdownTimeout:          DefaultShutdownTimeout,
		HTTPClientTimeout:        DefaultHTTPClientTimeout,
		GossipTTL:                DefaultGossipTTL,
		ChargebackSafetyPeriod:   policy.ChargebackSafetyPeriod,
		MaxChainDepth:            policy.MaxChainDepth,
		MaxLinksVisited:          policy.MaxLinksVisited,
		MinTradeAmountForSigning: policy.MinTradeAmountForSigning,
	}
}

// LoadConfig builds the configuration from defaults, the optional file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			logger.Warn("Failed to load config file, using defaults", "file", path, "error", err)
			cfg = DefaultConfig()
		}
	}

	cfg.applyEnv()
	return cfg
}

// LoadConfigFromFile reads a YAML or JSON config file over the defaults. The format
// is chosen by extension; anything other than .json is parsed as YAML.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	setString(&cfg.Port, fc.Port)
	if len(fc.SeedNodes) > 0 {
		cfg.SeedNodes = fc.SeedNodes
	}
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.NodeAuthSecret, fc.NodeAuthSecret)
	setString(&cfg.IPFSAPIURL, fc.IPFSAPIURL)
	setString(&cfg.PKCS11Module, fc.PKCS11Module)
	setString(&cfg.PKCS11Pin, fc.PKCS11Pin)
	setString(&cfg.PKCS11KeyLabel, fc.PKCS11KeyLabel)

	if fc.RateLimitPerMinute != nil {
		cfg.RateLimitPerMinute = *fc.RateLimitPerMinute
	}
	if fc.MaxBodySizeBytes != nil {
		cfg.MaxBodySizeBytes = *fc.MaxBodySizeBytes
	}
	if fc.RequireNodeAuth != nil {
		cfg.RequireNodeAuth = *fc.RequireNodeAuth
	}
	if fc.GossipTTL != nil {
		cfg.GossipTTL = *fc.GossipTTL
	}
	if fc.MaxChainDepth != nil {
		cfg.MaxChainDepth = *fc.MaxChainDepth
	}
	if fc.MaxLinksVisited != nil {
		cfg.MaxLinksVisited = *fc.MaxLinksVisited
	}
	if fc.MinTradeAmountForSigning != nil {
		cfg.MinTradeAmountForSigning = *fc.MinTradeAmountForSigning
	}
	if len(fc.ArbitratorKeys) > 0 {
		cfg.ArbitratorKeys = fc.ArbitratorKeys
	}

	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"discovery_interval", fc.DiscoveryInterval, &cfg.DiscoveryInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"http_client_timeout", fc.HTTPClientTimeout, &cfg.HTTPClientTimeout},
		{"chargeback_safety_period", fc.ChargebackSafetyPeriod, &cfg.ChargebackSafetyPeriod},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, *d.src, err)
		}
		*d.dst = parsed
	}

	return nil
}

func (cfg *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if seedNodesEnv := os.Getenv("SEED_NODES"); seedNodesEnv != "" {
		var seedNodes []string
		if err := json.Unmarshal([]byte(seedNodesEnv), &seedNodes); err == nil && len(seedNodes) > 0 {
			cfg.SeedNodes = seedNodes
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	envDuration("DISCOVERY_INTERVAL", &cfg.DiscoveryInterval)
	envDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	envDuration("HTTP_CLIENT_TIMEOUT", &cfg.HTTPClientTimeout)
	envDuration("CHARGEBACK_SAFETY_PERIOD", &cfg.ChargebackSafetyPeriod)

	envPositiveInt("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	envPositiveInt("GOSSIP_TTL", &cfg.GossipTTL)
	envPositiveInt("MAX_CHAIN_DEPTH", &cfg.MaxChainDepth)
	envPositiveInt("MAX_LINKS_VISITED", &cfg.MaxLinksVisited)

	if maxBodyEnv := os.Getenv("MAX_BODY_SIZE_BYTES"); maxBodyEnv != "" {
		if maxBody, err := strconv.ParseInt(maxBodyEnv, 10, 64); err == nil && maxBody > 0 {
			cfg.MaxBodySizeBytes = maxBody
		}
	}

	if minAmount := os.Getenv("MIN_TRADE_AMOUNT_FOR_SIGNING"); minAmount != "" {
		if amount, err := strconv.ParseInt(minAmount, 10, 64); err == nil && amount >= 0 {
			cfg.MinTradeAmountForSigning = amount
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	if secret := os.Getenv("NODE_AUTH_SECRET"); secret != "" {
		cfg.NodeAuthSecret = secret
	}

	if required := os.Getenv("REQUIRE_NODE_AUTH"); required != "" {
		cfg.RequireNodeAuth = required == "true"
	}

	if keys := os.Getenv("ARBITRATOR_KEYS"); keys != "" {
		cfg.ArbitratorKeys = strings.Split(keys, ",")
	}

	if ipfsURL := os.Getenv("IPFS_API_URL"); ipfsURL != "" {
		cfg.IPFSAPIURL = ipfsURL
	}

	if module := os.Getenv("PKCS11_MODULE"); module != "" {
		cfg.PKCS11Module = module
	}
	if pin := os.Getenv("PKCS11_PIN"); pin != "" {
		cfg.PKCS11Pin = pin
	}
	if label := os.Getenv("PKCS11_KEY_LABEL"); label != "" {
		cfg.PKCS11KeyLabel = label
	}
}

// Policy returns the chain validation policy described by the configuration
func (cfg *Config) Policy() witness.Policy {
	return witness.Policy{
		ChargebackSafetyPeriod:   cfg.ChargebackSafetyPeriod,
		MaxChainDepth:            cfg.MaxChainDepth,
		MaxLinksVisited:          cfg.MaxLinksVisited,
		MinTradeAmountForSigning: cfg.MinTradeAmountForSigning,
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if duration, err := time.ParseDuration(v); err == nil {
			*dst = duration
		}
	}
}

func envPositiveInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
