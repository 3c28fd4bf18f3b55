package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type LogLevel logrus.Level

func (l *LogLevel) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := logrus.ParseLevel(raw)
	if err != nil {
		return fmt.Errorf("can't parse log level: %w", err)
	}
	*l = LogLevel(parsed)
	return nil
}

type ChainConfig struct {
	ID                     string         `yaml:"-"`
	Name                   string         `yaml:"name"`
	RPCHosts               []string       `yaml:"rpc_hosts"`
	RPCTimeout             time.Duration  `yaml:"rpc_timeout"`
	Address                string         `yaml:"contract_address"`
	ContractAddress        common.Address `yaml:"-"`
	StartBlock             uint           `yaml:"start_block"`
	RequiredConfirmations  uint           `yaml:"required_confirmations"`
	ReorgDepth             uint           `yaml:"reorg_depth"`
	BatchSize              uint           `yaml:"batch_size"`
	PollingInterval        time.Duration  `yaml:"polling_interval"`
	RestartDelay           time.Duration  `yaml:"restart_delay"`
	MaxRetries             uint           `yaml:"max_retries"`
	RetryDelay             time.Duration  `yaml:"retry_delay"`
	HeaderFetchConcurrency uint           `yaml:"header_fetch_concurrency"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     uint   `yaml:"port"`
	DB       string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type PresenterConfig struct {
	Host string `yaml:"host"`
}

type Config struct {
	Chains    map[string]*ChainConfig `yaml:"chains"`
	DBConfig  *DBConfig               `yaml:"postgres"`
	Redis     *RedisConfig            `yaml:"redis"`
	Presenter *PresenterConfig        `yaml:"presenter"`
	LogLevel  LogLevel                `yaml:"log_level"`

	// EnabledChainIDs restricts which chain crawlers the process runs.
	// The NETWORK env variable, when set, overrides it with a single chain.
	EnabledChainIDs []string `yaml:"enabled_chains"`
}

const (
	defaultRPCTimeout             = 30 * time.Second
	defaultBatchSize              = 100
	defaultPollingInterval        = 2 * time.Second
	defaultRestartDelay           = 15 * time.Second
	defaultMaxRetries             = 5
	defaultRetryDelay             = 5 * time.Second
	defaultHeaderFetchConcurrency = 4
)

func (cfg *Config) init() error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	if cfg.DBConfig == nil {
		return fmt.Errorf("missing postgres config")
	}
	if cfg.Redis == nil {
		return fmt.Errorf("missing redis config")
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = LogLevel(logrus.InfoLevel)
	}
	for chainID, chain := range cfg.Chains {
		chain.ID = chainID
		if err := chain.init(); err != nil {
			return fmt.Errorf("invalid config for chain %s: %w", chainID, err)
		}
	}
	if network := os.Getenv("NETWORK"); network != "" {
		if _, ok := cfg.Chains[network]; !ok {
			return fmt.Errorf("NETWORK selects unknown chain %s", network)
		}
		cfg.EnabledChainIDs = []string{network}
	}
	for _, chainID := range cfg.EnabledChainIDs {
		if _, ok := cfg.Chains[chainID]; !ok {
			return fmt.Errorf("enabled_chains selects unknown chain %s", chainID)
		}
	}
	return nil
}

func (cfg *ChainConfig) init() error {
	if len(cfg.RPCHosts) == 0 {
		return fmt.Errorf("no rpc hosts")
	}
	if !common.IsHexAddress(cfg.Address) {
		return fmt.Errorf("invalid contract address %q", cfg.Address)
	}
	cfg.ContractAddress = common.HexToAddress(cfg.Address)
	if cfg.StartBlock == 0 {
		return fmt.Errorf("start_block must be positive")
	}
	if cfg.RequiredConfirmations == 0 {
		return fmt.Errorf("required_confirmations must be positive")
	}
	if cfg.ReorgDepth == 0 {
		return fmt.Errorf("reorg_depth must be positive")
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = defaultPollingInterval
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HeaderFetchConcurrency == 0 {
		cfg.HeaderFetchConcurrency = defaultHeaderFetchConcurrency
	}
	return nil
}

// EnabledChains returns the chain configs activated for this process.
func (cfg *Config) EnabledChains() []*ChainConfig {
	if len(cfg.EnabledChainIDs) == 0 {
		chains := make([]*ChainConfig, 0, len(cfg.Chains))
		for _, chain := range cfg.Chains {
			chains = append(chains, chain)
		}
		return chains
	}
	chains := make([]*ChainConfig, 0, len(cfg.EnabledChainIDs))
	for _, chainID := range cfg.EnabledChainIDs {
		chains = append(chains, cfg.Chains[chainID])
	}
	return chains
}

func ReadConfig(blob []byte) (*Config, error) {
	cfg := new(Config)
	blob = []byte(os.ExpandEnv(string(blob)))
	if err := parseYaml(cfg, blob); err != nil {
		return nil, err
	}
	if err := cfg.init(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ReadConfigFromFile(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}
	return ReadConfig(blob)
}
