package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	// Database configuration
	Database struct {
		Driver   string `mapstructure:"driver"` // postgres or sqlite
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	// Event bus configuration
	Bus struct {
		BufferSize      int           `mapstructure:"buffer_size"`
		PublishDeadline time.Duration `mapstructure:"publish_deadline"`
		NATSURL         string        `mapstructure:"nats_url"`
		BridgeTopics    []string      `mapstructure:"bridge_topics"`
	} `mapstructure:"bus"`

	// Market data configuration
	MarketData struct {
		VenueURL          string        `mapstructure:"venue_url"`
		Symbols           []string      `mapstructure:"symbols"`
		LatenessTolerance time.Duration `mapstructure:"lateness_tolerance"`
		ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	} `mapstructure:"market_data"`

	// Indicator engine configuration
	Indicators struct {
		FillRatio    float64       `mapstructure:"fill_ratio"`
		EmitEpsilon  float64       `mapstructure:"emit_epsilon"`
		TickThrough  time.Duration `mapstructure:"tick_through"`
		TailCacheTTL time.Duration `mapstructure:"tail_cache_ttl"`
		TailSize     int           `mapstructure:"tail_size"`
	} `mapstructure:"indicators"`

	// Order execution configuration
	Orders struct {
		SlippageBps        float64       `mapstructure:"slippage_bps"`
		CommissionBps      float64       `mapstructure:"commission_bps"`
		PartialFills       bool          `mapstructure:"partial_fills"`
		VenueDeadline      time.Duration `mapstructure:"venue_deadline"`
		PositionUpdateMin  time.Duration `mapstructure:"position_update_min"`
		VenueRatePerSecond float64       `mapstructure:"venue_rate_per_second"`
	} `mapstructure:"orders"`

	// Session configuration
	Session struct {
		BudgetCap float64 `mapstructure:"budget_cap"`
	} `mapstructure:"session"`

	// Monitoring configuration
	Monitoring struct {
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"monitoring"`
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradepulse")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEPULSE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults and environment variables
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "tradepulse")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("bus.buffer_size", 1024)
	v.SetDefault("bus.publish_deadline", 50*time.Millisecond)
	v.SetDefault("bus.nats_url", "")
	v.SetDefault("bus.bridge_topics", []string{"order.*", "signal.*", "session.*"})

	v.SetDefault("market_data.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("market_data.lateness_tolerance", 500*time.Millisecond)
	v.SetDefault("market_data.reconnect_max", 30*time.Second)

	v.SetDefault("indicators.fill_ratio", 0.8)
	v.SetDefault("indicators.emit_epsilon", 1e-9)
	v.SetDefault("indicators.tick_through", 5*time.Second)
	v.SetDefault("indicators.tail_cache_ttl", 5*time.Minute)
	v.SetDefault("indicators.tail_size", 512)

	v.SetDefault("orders.slippage_bps", 5.0)
	v.SetDefault("orders.commission_bps", 10.0)
	v.SetDefault("orders.partial_fills", false)
	v.SetDefault("orders.venue_deadline", 5*time.Second)
	v.SetDefault("orders.position_update_min", 250*time.Millisecond)
	v.SetDefault("orders.venue_rate_per_second", 10.0)

	v.SetDefault("session.budget_cap", 10000.0)

	v.SetDefault("monitoring.log_level", "info")
}

// InitLogger initializes the logger based on the configuration
func InitLogger(cfg *Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	switch cfg.Monitoring.LogLevel {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}
