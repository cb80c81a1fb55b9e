package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"elspot-advisor/internal/logging"
)

const envPrefix = "ELSPOT"

// Config materialises application configuration.
type Config struct {
	App        AppConfig          `mapstructure:"app"`
	Logging    logging.Config     `mapstructure:"logging"`
	Database   DatabaseConfig     `mapstructure:"database"`
	Scheduler  SchedulerConfig    `mapstructure:"scheduler"`
	Upstream   UpstreamConfig     `mapstructure:"upstream"`
	Tariffs    map[string]float64 `mapstructure:"tariffs"`
	Tariff     TariffConfig       `mapstructure:"tariff"`
	Appliances []ApplianceConfig  `mapstructure:"appliances"`
	Savings    SavingsConfig      `mapstructure:"savings"`
	Synthetic  SyntheticConfig    `mapstructure:"synthetic"`
	HTTP       HTTPConfig         `mapstructure:"http"`
	Publish    PublishConfig      `mapstructure:"publish"`
	Alerting   AlertingConfig     `mapstructure:"alerting"`
	Export     ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
	Area        string `mapstructure:"area"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables the archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Retention       time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Policy          string `mapstructure:"policy"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// UpstreamConfig describes the dataset API and the relays used to reach it.
type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	PriceDataset    string        `mapstructure:"price_dataset"`
	EmissionDataset string        `mapstructure:"emission_dataset"`
	PriceLimit      int           `mapstructure:"price_limit"`
	EmissionLimit   int           `mapstructure:"emission_limit"`
	ProbeLimit      int           `mapstructure:"probe_limit"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	DisableDirect   bool          `mapstructure:"disable_direct"`
	Relays          []RelayConfig `mapstructure:"relays"`
}

// RelayConfig is one relay in priority order.
type RelayConfig struct {
	Name         string  `mapstructure:"name"`
	URL          string  `mapstructure:"url"`
	EncodeTarget bool    `mapstructure:"encode_target"`
	Unwrap       string  `mapstructure:"unwrap"`
	Field        string  `mapstructure:"field"`
	RPS          float64 `mapstructure:"rps"`
	Burst        int     `mapstructure:"burst"`
}

// TariffConfig selects the active retail surcharge.
type TariffConfig struct {
	Selected string `mapstructure:"selected"`
}

// ApplianceConfig is one row of the appliance table.
type ApplianceConfig struct {
	Name       string  `mapstructure:"name"`
	KWh        float64 `mapstructure:"kwh"`
	Compliance float64 `mapstructure:"compliance"`
}

// SavingsConfig holds projection constants.
type SavingsConfig struct {
	CO2KgPerKWh   float64 `mapstructure:"co2_kg_per_kwh"`
	TreeKgPerYear float64 `mapstructure:"tree_kg_per_year"`
	GreenFraction float64 `mapstructure:"green_fraction"`
}

// SyntheticConfig seeds the fallback generator; 0 seeds from the clock.
type SyntheticConfig struct {
	Seed int64 `mapstructure:"seed"`
}

// HTTPConfig toggles the snapshot API.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PublishConfig lists the snapshot fan-out targets.
type PublishConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
	NATS  NATSConfig  `mapstructure:"nats"`
}

// RedisConfig stores the latest snapshot under a key and publishes it on a channel.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	Channel  string        `mapstructure:"channel"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NATSConfig publishes snapshots on a subject.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// AlertingConfig controls start-now notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Dir         string `mapstructure:"dir"`
	ChartWidth  int    `mapstructure:"chart_width"`
	ChartHeight int    `mapstructure:"chart_height"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
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
	path := os.Getenv(envPrefix + "_DOTENV")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
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
	v.SetDefault("app.name", "elspot-advisor")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Europe/Copenhagen")
	v.SetDefault("app.area", "DK2")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.policy", "smart")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x454c5350))

	v.SetDefault("upstream.base_url", "https://api.energidataservice.dk/dataset")
	v.SetDefault("upstream.price_dataset", "Elspotprices")
	v.SetDefault("upstream.emission_dataset", "CO2Emis")
	v.SetDefault("upstream.price_limit", 48)
	v.SetDefault("upstream.emission_limit", 288)
	v.SetDefault("upstream.probe_limit", 5)
	v.SetDefault("upstream.attempt_timeout", "8s")
	v.SetDefault("upstream.user_agent", "elspot-advisor/1.0")
	v.SetDefault("upstream.disable_direct", false)
	v.SetDefault("upstream.relays", DefaultRelays())

	v.SetDefault("tariffs", map[string]float64{
		"energinet":  0.00,
		"ok":         0.10,
		"eon":        0.12,
		"norlys":     0.14,
		"andel":      0.15,
		"vattenfall": 0.18,
	})
	v.SetDefault("tariff.selected", "andel")
	v.SetDefault("appliances", []map[string]any{
		{"name": "washer", "kwh": 1.5, "compliance": 0.7},
		{"name": "dryer", "kwh": 3.0, "compliance": 0.6},
		{"name": "dishwasher", "kwh": 1.2, "compliance": 0.8},
	})

	v.SetDefault("savings.co2_kg_per_kwh", 0.4)
	v.SetDefault("savings.tree_kg_per_year", 22.0)
	v.SetDefault("savings.green_fraction", 0.4)

	v.SetDefault("synthetic.seed", int64(0))

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("publish.redis.enabled", false)
	v.SetDefault("publish.redis.addr", "localhost:6379")
	v.SetDefault("publish.redis.key", "elspot:snapshot")
	v.SetDefault("publish.redis.channel", "elspot:snapshots")
	v.SetDefault("publish.redis.ttl", "26h")
	v.SetDefault("publish.nats.enabled", false)
	v.SetDefault("publish.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("publish.nats.subject", "elspot.snapshot")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "3h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.dir", ".")
	v.SetDefault("export.chart_width", 1200)
	v.SetDefault("export.chart_height", 500)

	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention", "0s")
}

// DefaultRelays returns the built-in relay list in priority order.
func DefaultRelays() []map[string]any {
	return []map[string]any{
		{"name": "corsproxy", "url": "https://corsproxy.io/?", "unwrap": "verbatim", "rps": 1.0, "burst": 2},
		{"name": "allorigins", "url": "https://api.allorigins.win/get?url=", "encode_target": true, "unwrap": "envelope", "field": "contents", "rps": 1.0, "burst": 2},
		{"name": "cors-anywhere", "url": "https://cors-anywhere.herokuapp.com/", "unwrap": "verbatim", "rps": 0.5, "burst": 1},
		{"name": "thingproxy", "url": "https://thingproxy.freeboard.io/fetch/", "unwrap": "verbatim", "rps": 1.0, "burst": 2},
		{"name": "cors.bridged", "url": "https://cors.bridged.cc/", "unwrap": "verbatim", "rps": 1.0, "burst": 2},
		{"name": "codetabs", "url": "https://api.codetabs.com/v1/proxy?quest=", "unwrap": "verbatim", "rps": 0.2, "burst": 1},
	}
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
	if _, err := c.Location(); err != nil {
		return err
	}
	if strings.TrimSpace(c.App.Area) == "" {
		return fmt.Errorf("app.area is required")
	}
	switch strings.ToLower(c.Scheduler.Policy) {
	case "smart", "hourly":
	default:
		return fmt.Errorf("scheduler.policy must be smart or hourly, got %q", c.Scheduler.Policy)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.PriceLimit <= 0 || c.Upstream.EmissionLimit <= 0 || c.Upstream.ProbeLimit <= 0 {
		return fmt.Errorf("upstream limits must be greater than zero")
	}
	if c.Upstream.AttemptTimeout <= 0 {
		return fmt.Errorf("upstream.attempt_timeout must be greater than zero")
	}
	if c.Upstream.DisableDirect && len(c.Upstream.Relays) == 0 {
		return fmt.Errorf("upstream.disable_direct requires at least one relay")
	}
	seen := make(map[string]struct{}, len(c.Upstream.Relays))
	for i, r := range c.Upstream.Relays {
		if r.Name == "" || r.URL == "" {
			return fmt.Errorf("upstream.relays[%d]: name and url are required", i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("upstream.relays[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = struct{}{}
		switch strings.ToLower(r.Unwrap) {
		case "", "verbatim", "envelope":
		default:
			return fmt.Errorf("upstream.relays[%d]: unwrap must be verbatim or envelope", i)
		}
	}
	if len(c.Tariffs) == 0 {
		return fmt.Errorf("tariffs must not be empty")
	}
	for name, surcharge := range c.Tariffs {
		if surcharge < 0 {
			return fmt.Errorf("tariffs.%s cannot be negative", name)
		}
	}
	if _, ok := c.Tariffs[c.Tariff.Selected]; !ok {
		return fmt.Errorf("tariff.selected %q is not a configured tariff", c.Tariff.Selected)
	}
	if len(c.Appliances) == 0 {
		return fmt.Errorf("appliances must not be empty")
	}
	for i, a := range c.Appliances {
		if a.Name == "" || a.KWh <= 0 {
			return fmt.Errorf("appliances[%d]: name and positive kwh are required", i)
		}
		if a.Compliance < 0 || a.Compliance > 1 {
			return fmt.Errorf("appliances[%d]: compliance must be within [0,1]", i)
		}
	}
	if c.Savings.TreeKgPerYear <= 0 {
		return fmt.Errorf("savings.tree_kg_per_year must be greater than zero")
	}
	if c.Savings.GreenFraction < 0 || c.Savings.GreenFraction > 1 {
		return fmt.Errorf("savings.green_fraction must be within [0,1]")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}
	if c.Publish.Redis.Enabled && c.Publish.Redis.Addr == "" {
		return fmt.Errorf("publish.redis.addr is required")
	}
	if c.Publish.NATS.Enabled && (c.Publish.NATS.URL == "" || c.Publish.NATS.Subject == "") {
		return fmt.Errorf("publish.nats.url and publish.nats.subject are required")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Export.ChartWidth <= 0 || c.Export.ChartHeight <= 0 {
		return fmt.Errorf("export chart dimensions must be greater than zero")
	}
	return nil
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}
