package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/loansync/loansync/internal/discovery"
	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/reconcile"
)

const cacheFile = "loansync.db"

type Config struct {
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type LedgerConfig struct {
	RPCURL              string `mapstructure:"rpc_url"`
	WSURL               string `mapstructure:"ws_url"`
	LoanContract        string `mapstructure:"loan_contract"`
	DAOContract         string `mapstructure:"dao_contract"`
	CreditScoreContract string `mapstructure:"credit_score_contract"`
	From                string `mapstructure:"from"`
	Timeout             string `mapstructure:"timeout"`
	ReceiptPollInterval string `mapstructure:"receipt_poll_interval"`
}

type CacheConfig struct {
	DataDir string `mapstructure:"data_dir"`
	MaxAge  string `mapstructure:"max_age"`
}

type DiscoveryConfig struct {
	LogWindowBlocks uint64 `mapstructure:"log_window_blocks"`
	GuessRange      uint64 `mapstructure:"guess_range"`
	ScanLimit       uint64 `mapstructure:"scan_limit"`
}

type SyncConfig struct {
	PollSchedule string `mapstructure:"poll_schedule"`
}

type IndexerConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace  string `mapstructure:"namespace"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Ledger.LoanContract == "" {
		return fmt.Errorf("ledger.loan_contract is required")
	}
	if c.Cache.DataDir == "" {
		return fmt.Errorf("cache.data_dir is required")
	}
	if c.Ledger.From != "" && !ledger.IsAddress(c.Ledger.From) {
		return fmt.Errorf("ledger.from is not an address: %s", c.Ledger.From)
	}

	if c.Ledger.Timeout == "" {
		c.Ledger.Timeout = "10s"
	}
	if c.Ledger.ReceiptPollInterval == "" {
		c.Ledger.ReceiptPollInterval = "1s"
	}
	if c.Discovery.LogWindowBlocks == 0 {
		c.Discovery.LogWindowBlocks = discovery.DefaultLogWindowBlocks
	}
	if c.Discovery.GuessRange == 0 {
		c.Discovery.GuessRange = discovery.DefaultGuessRange
	}
	if c.Discovery.ScanLimit == 0 {
		c.Discovery.ScanLimit = discovery.DefaultScanLimit
	}
	if c.Sync.PollSchedule == "" {
		c.Sync.PollSchedule = reconcile.DefaultPollSchedule
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "loansync"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	for name, val := range map[string]string{
		"ledger.timeout":               c.Ledger.Timeout,
		"ledger.receipt_poll_interval": c.Ledger.ReceiptPollInterval,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Cache.MaxAge != "" {
		if _, err := time.ParseDuration(c.Cache.MaxAge); err != nil {
			return fmt.Errorf("invalid cache.max_age: %w", err)
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}

	return nil
}

func (l *LedgerConfig) Contracts() ledger.Contracts {
	return ledger.Contracts{
		Loan:        l.LoanContract,
		DAO:         l.DAOContract,
		CreditScore: l.CreditScoreContract,
	}
}

// TimeoutDuration and PollDuration assume Validate has run.
func (l *LedgerConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(l.Timeout)
	return d
}

func (l *LedgerConfig) PollDuration() time.Duration {
	d, _ := time.ParseDuration(l.ReceiptPollInterval)
	return d
}

func (c *CacheConfig) Path() string {
	return filepath.Join(c.DataDir, cacheFile)
}

// MaxAgeDuration is zero when cached lists never go stale.
func (c *CacheConfig) MaxAgeDuration() time.Duration {
	d, _ := time.ParseDuration(c.MaxAge)
	return d
}

func (d DiscoveryConfig) Service() discovery.Config {
	return discovery.Config{
		LogWindowBlocks: d.LogWindowBlocks,
		GuessRange:      d.GuessRange,
		ScanLimit:       d.ScanLimit,
	}
}
