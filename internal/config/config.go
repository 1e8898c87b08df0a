package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fuel-price-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Trend     TrendConfig     `mapstructure:"trend"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Mail      MailConfig      `mapstructure:"mail"`
	Operator  OperatorConfig  `mapstructure:"operator"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig locates the shared daily send counter. Empty URL keeps the counter in memory.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// HTTPConfig controls the ops/subscription listener.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	UserIDHeader    string        `mapstructure:"user_id_header"`
	EmailHeader     string        `mapstructure:"email_header"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// FeedConfig covers the upstream FuelCheck API.
type FeedConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TokenURL          string        `mapstructure:"token_url"`
	PricesURL         string        `mapstructure:"prices_url"`
	States            []string      `mapstructure:"states"`
	APIKey            string        `mapstructure:"api_key"`
	BasicAuth         string        `mapstructure:"basic_auth"`
	Timezone          string        `mapstructure:"timezone"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// TrendConfig holds the detection policy values.
type TrendConfig struct {
	Window       time.Duration `mapstructure:"window"`
	Threshold    float64       `mapstructure:"threshold"`
	AverageFloor float64       `mapstructure:"average_floor"`
}

// AlertingConfig defines dedup and subscription policy.
type AlertingConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MaxSubscriptions  int           `mapstructure:"max_subscriptions"`
	Subject           string        `mapstructure:"subject"`
	ChartWidth        int           `mapstructure:"chart_width"`
	ChartHeight       int           `mapstructure:"chart_height"`
	PriceUnit         string        `mapstructure:"price_unit"`
	DisableChartImage bool          `mapstructure:"disable_chart_image"`
}

// DispatchConfig encodes the notification channel ceilings.
type DispatchConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	DailyLimit    int           `mapstructure:"daily_limit"`
	Channel       string        `mapstructure:"channel"`
}

// MailConfig describes the SMTP relay.
type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	// TLS is one of mandatory, opportunistic, none. Empty picks mandatory when credentials are set.
	TLS string `mapstructure:"tls"`
}

// OperatorConfig routes cycle failure notices.
type OperatorConfig struct {
	Email    string         `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("FUELALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fuelalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "fuelalerts")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.user_id_header", "X-User-ID")
	v.SetDefault("http.email_header", "X-User-Email")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("scheduler.interval", "2h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.run_immediately", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6675656c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.token_url", "https://api.onegov.nsw.gov.au/oauth/client_credential/accesstoken?grant_type=client_credentials")
	v.SetDefault("feed.prices_url", "https://api.onegov.nsw.gov.au/FuelPriceCheck/v2/fuel/prices")
	v.SetDefault("feed.states", []string{"NSW"})
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.basic_auth", "")
	v.SetDefault("feed.timezone", "UTC")
	v.SetDefault("feed.request_timeout", "30s")
	v.SetDefault("feed.requests_per_minute", 30)
	v.SetDefault("feed.user_agent", "fuelalerts/1.0")

	v.SetDefault("trend.window", "168h")
	v.SetDefault("trend.threshold", 0.05)
	v.SetDefault("trend.average_floor", 1.0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.cooldown", "168h")
	v.SetDefault("alerting.max_subscriptions", 5)
	v.SetDefault("alerting.subject", "Fuel Price Alert")
	v.SetDefault("alerting.chart_width", 500)
	v.SetDefault("alerting.chart_height", 300)
	v.SetDefault("alerting.price_unit", "c/L")
	v.SetDefault("alerting.disable_chart_image", false)

	v.SetDefault("dispatch.batch_size", 14)
	v.SetDefault("dispatch.batch_interval", "1s")
	v.SetDefault("dispatch.send_timeout", "10s")
	v.SetDefault("dispatch.daily_limit", 50000)
	v.SetDefault("dispatch.channel", "log")

	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.from", "fuel-alerts@localhost")
	v.SetDefault("mail.tls", "")

	v.SetDefault("operator.email", "")
	v.SetDefault("operator.telegram.enabled", false)
	v.SetDefault("operator.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Trend.Window <= 0 {
		return fmt.Errorf("trend.window must be greater than zero")
	}
	if c.Trend.Threshold < 0 {
		return fmt.Errorf("trend.threshold cannot be negative")
	}
	if c.Trend.AverageFloor <= 0 {
		return fmt.Errorf("trend.average_floor must be greater than zero")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if c.Alerting.MaxSubscriptions <= 0 {
		return fmt.Errorf("alerting.max_subscriptions must be greater than zero")
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be greater than zero")
	}
	if c.Dispatch.BatchInterval < 0 {
		return fmt.Errorf("dispatch.batch_interval cannot be negative")
	}
	if c.Dispatch.DailyLimit < 0 {
		return fmt.Errorf("dispatch.daily_limit cannot be negative")
	}
	switch c.Dispatch.Channel {
	case "smtp":
		if c.Alerting.Enabled && c.Mail.Host == "" {
			return fmt.Errorf("mail.host is required when dispatch.channel is smtp")
		}
		switch c.Mail.TLS {
		case "", "mandatory", "opportunistic", "none":
		default:
			return fmt.Errorf("mail.tls must be one of mandatory, opportunistic, none; got %q", c.Mail.TLS)
		}
	case "log":
	default:
		return fmt.Errorf("dispatch.channel must be one of smtp, log; got %q", c.Dispatch.Channel)
	}
	if c.Feed.Enabled && c.Feed.RequestsPerMinute <= 0 {
		return fmt.Errorf("feed.requests_per_minute must be greater than zero")
	}
	if c.Operator.Telegram.Enabled {
		if c.Operator.Telegram.BotToken == "" {
			return fmt.Errorf("operator.telegram.bot_token 必须配置")
		}
		if c.Operator.Telegram.ChatID == "" {
			return fmt.Errorf("operator.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
