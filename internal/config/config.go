// Package config defines all configuration for the post-trade engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// deployment-specific fields overridable via TRADEFLOW_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Dedupe     DedupeConfig     `mapstructure:"dedupe"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Currencies map[string]int32 `mapstructure:"currencies"`
	Refdata    RefdataConfig    `mapstructure:"refdata"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrokerConfig holds the Kafka endpoints and topics. ExecutionTopic carries
// inbound fills and busts; EventsTopic carries the engine's own envelopes
// (and is consumed back for BlockReady); DeadletterTopic receives records
// the pipeline refused.
type BrokerConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	ExecutionTopic  string   `mapstructure:"execution_topic"`
	EventsTopic     string   `mapstructure:"events_topic"`
	DeadletterTopic string   `mapstructure:"deadletter_topic"`
	GroupID         string   `mapstructure:"group_id"`
	EventsGroupID   string   `mapstructure:"events_group_id"`
	Workers         int      `mapstructure:"workers"`
}

// GatewayConfig points at the settlement gateway.
//
//   - RequestTimeout: per-attempt HTTP budget.
//   - RetryInitial / RetryMax: the dispatcher's backoff window for
//     transient failures (5xx, 408, 429, transport errors).
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryInitial   time.Duration `mapstructure:"retry_initial"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
}

// OutboxConfig tunes the dispatcher. TTL bounds how long one row may keep
// failing before it is dead-lettered; PollInterval is the drain heartbeat
// when no commit wakes the dispatcher.
type OutboxConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DedupeConfig controls the inbound duplicate screen. Exec ids are held
// for HorizonDays business days past their trade date.
type DedupeConfig struct {
	HorizonDays   int           `mapstructure:"horizon_days"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// SettlementConfig fixes the settlement cycle: LagDays business days after
// trade date, via the given method.
type SettlementConfig struct {
	LagDays int    `mapstructure:"lag_days"`
	Method  string `mapstructure:"method"`
}

// CalendarConfig lists market holidays in YYYYMMDD form. Weekends are
// always non-business days.
type CalendarConfig struct {
	Holidays []string `mapstructure:"holidays"`
}

// RefdataConfig names the files the instrument and order reference data is
// loaded from at startup.
type RefdataConfig struct {
	InstrumentsFile string `mapstructure:"instruments_file"`
	OrdersFile      string `mapstructure:"orders_file"`
}

// MonitorConfig controls the ops HTTP/WS server.
type MonitorConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RulesConfig bounds a single rule invocation.
type RulesConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Deployment fields use env vars: TRADEFLOW_DRY_RUN, TRADEFLOW_BROKER_BROKERS,
// TRADEFLOW_GATEWAY_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override deployment fields from env
	if brokers := os.Getenv("TRADEFLOW_BROKER_BROKERS"); brokers != "" {
		cfg.Broker.Brokers = strings.Split(brokers, ",")
	}
	if url := os.Getenv("TRADEFLOW_GATEWAY_BASE_URL"); url != "" {
		cfg.Gateway.BaseURL = url
	}
	if os.Getenv("TRADEFLOW_DRY_RUN") == "true" || os.Getenv("TRADEFLOW_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.execution_topic", "fix.executions")
	v.SetDefault("broker.events_topic", "trade.events")
	v.SetDefault("broker.deadletter_topic", "trade.deadletter")
	v.SetDefault("broker.group_id", "tradeflow-engine")
	v.SetDefault("broker.events_group_id", "tradeflow-allocator")
	v.SetDefault("broker.workers", 4)
	v.SetDefault("gateway.request_timeout", 10*time.Second)
	v.SetDefault("gateway.retry_initial", 250*time.Millisecond)
	v.SetDefault("gateway.retry_max", 30*time.Second)
	v.SetDefault("outbox.ttl", 24*time.Hour)
	v.SetDefault("outbox.poll_interval", 500*time.Millisecond)
	v.SetDefault("dedupe.horizon_days", 7)
	v.SetDefault("dedupe.prune_interval", time.Hour)
	v.SetDefault("settlement.lag_days", 2)
	v.SetDefault("settlement.method", "DVP")
	v.SetDefault("currencies", map[string]int32{"USD": 2, "EUR": 2, "GBP": 2, "CHF": 2, "JPY": 0})
	v.SetDefault("monitor.port", 8090)
	v.SetDefault("rules.timeout", 60*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Broker.Brokers) == 0 {
		return fmt.Errorf("broker.brokers is required (set TRADEFLOW_BROKER_BROKERS)")
	}
	if c.Broker.ExecutionTopic == "" || c.Broker.EventsTopic == "" || c.Broker.DeadletterTopic == "" {
		return fmt.Errorf("broker topics must all be set")
	}
	if c.Broker.ExecutionTopic == c.Broker.EventsTopic {
		return fmt.Errorf("broker.events_topic must differ from broker.execution_topic")
	}
	if c.Broker.GroupID == c.Broker.EventsGroupID {
		return fmt.Errorf("broker.events_group_id must differ from broker.group_id")
	}
	if c.Broker.Workers <= 0 {
		return fmt.Errorf("broker.workers must be > 0")
	}
	if !c.DryRun && c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required (set TRADEFLOW_GATEWAY_BASE_URL)")
	}
	if c.Gateway.RetryInitial <= 0 || c.Gateway.RetryMax < c.Gateway.RetryInitial {
		return fmt.Errorf("gateway retry window invalid: initial %v, max %v", c.Gateway.RetryInitial, c.Gateway.RetryMax)
	}
	if c.Outbox.TTL <= 0 {
		return fmt.Errorf("outbox.ttl must be > 0")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be > 0")
	}
	if c.Dedupe.HorizonDays < 0 {
		return fmt.Errorf("dedupe.horizon_days must be >= 0")
	}
	if c.Dedupe.PruneInterval <= 0 {
		return fmt.Errorf("dedupe.prune_interval must be > 0")
	}
	if c.Settlement.LagDays < 0 {
		return fmt.Errorf("settlement.lag_days must be >= 0")
	}
	if c.Settlement.Method != "DVP" && c.Settlement.Method != "FOP" {
		return fmt.Errorf("settlement.method %q not supported (DVP or FOP)", c.Settlement.Method)
	}
	if c.Refdata.InstrumentsFile == "" || c.Refdata.OrdersFile == "" {
		return fmt.Errorf("refdata.instruments_file and refdata.orders_file are required")
	}
	if c.Rules.Timeout <= 0 {
		return fmt.Errorf("rules.timeout must be > 0")
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		return fmt.Errorf("monitor.port must be a valid port")
	}
	return nil
}
