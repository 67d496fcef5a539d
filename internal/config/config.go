package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/logging"
)

// EnvPrefix prefixes every environment override (AEMET_ETL_AEMET_BASE_URL, ...).
const EnvPrefix = "AEMET_ETL"

// APIKeyEnvPrefix selects the environment variables holding AEMET API keys.
const APIKeyEnvPrefix = "AEMET_API_KEY"

// ErrNoAPIKeys is returned by Credentials when no key is configured.
var ErrNoAPIKeys = errors.New("no AEMET API keys configured (set aemet.api_keys or AEMET_API_KEY* variables)")

// Config materialises application configuration.
type Config struct {
	App            AppConfig          `mapstructure:"app"`
	Logging        LoggingConfig      `mapstructure:"logging"`
	AEMET          AEMETConfig        `mapstructure:"aemet"`
	Batch          BatchConfig        `mapstructure:"batch"`
	Municipalities MunicipalityConfig `mapstructure:"municipalities"`
	Redis          RedisConfig        `mapstructure:"redis"`
	Export         ExportConfig       `mapstructure:"export"`
	Storage        StorageConfig      `mapstructure:"storage"`
	Warehouse      WarehouseConfig    `mapstructure:"warehouse"`
	Ledger         LedgerConfig       `mapstructure:"ledger"`
	Server         ServerConfig       `mapstructure:"server"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Timezone string `mapstructure:"timezone"`
}

// LoggingConfig mirrors logging.Config in configuration form.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
}

// AEMETConfig covers OpenData access and the key quota.
type AEMETConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKeys           []string      `mapstructure:"api_keys"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RotationThreshold int           `mapstructure:"rotation_threshold"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Backoff           time.Duration `mapstructure:"backoff"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

// BatchConfig governs the batch runner.
type BatchConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Workers    int           `mapstructure:"workers"`
	// Limit keeps the first N municipalities; 0 processes all of them.
	Limit int `mapstructure:"limit"`
}

// MunicipalityConfig locates the municipality dictionary.
type MunicipalityConfig struct {
	Spreadsheet string `mapstructure:"spreadsheet"`
	Dictionary  string `mapstructure:"dictionary"`
}

// RedisConfig enables the payload cache and the rate-limit store. An empty
// Addr disables both.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ExportConfig sets output files.
type ExportConfig struct {
	Dir       string `mapstructure:"dir"`
	CSV       bool   `mapstructure:"csv"`
	DetailCSV bool   `mapstructure:"detail_csv"`
	Chart     bool   `mapstructure:"chart"`
}

// StorageConfig selects the upload bucket. An empty Bucket disables uploads.
type StorageConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// WarehouseConfig encapsulates PostgreSQL connectivity. An empty DSN
// disables the warehouse load.
type WarehouseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LedgerConfig locates the SQLite run ledger. An empty Path disables it.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig enables the health/metrics listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

	cfg.AEMET.APIKeys = mergeKeys(cfg.AEMET.APIKeys, envAPIKeys(os.Environ()))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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
	v.SetDefault("app.name", "aemet-etl")
	v.SetDefault("app.timezone", "Europe/Madrid")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.time_format", "")
	v.SetDefault("logging.caller", false)

	v.SetDefault("aemet.base_url", "https://opendata.aemet.es/opendata/api")
	v.SetDefault("aemet.api_keys", []string{})
	v.SetDefault("aemet.user_agent", "aemet-forecast-etl/1.0")
	v.SetDefault("aemet.requests_per_minute", 20)
	v.SetDefault("aemet.poll_interval", "5s")
	v.SetDefault("aemet.rotation_threshold", 19)
	v.SetDefault("aemet.max_attempts", 3)
	v.SetDefault("aemet.backoff", "60s")
	v.SetDefault("aemet.progress_interval", "10s")
	v.SetDefault("aemet.http_timeout", "30s")

	v.SetDefault("batch.attempts", 3)
	v.SetDefault("batch.retry_delay", "0s")
	v.SetDefault("batch.workers", 1)
	v.SetDefault("batch.limit", 0)

	v.SetDefault("municipalities.spreadsheet", "diccionario24.xlsx")
	v.SetDefault("municipalities.dictionary", "municipios.json")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "6h")

	v.SetDefault("export.dir", "output")
	v.SetDefault("export.csv", true)
	v.SetDefault("export.detail_csv", false)
	v.SetDefault("export.chart", false)

	v.SetDefault("storage.bucket", "")

	v.SetDefault("warehouse.dsn", "")
	v.SetDefault("warehouse.max_open_conns", 4)
	v.SetDefault("warehouse.max_idle_conns", 1)
	v.SetDefault("warehouse.conn_max_lifetime", "30m")

	v.SetDefault("ledger.path", "aemet-etl.db")

	v.SetDefault("server.addr", "")
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
	if c.AEMET.BaseURL == "" {
		return fmt.Errorf("aemet.base_url is required")
	}
	if c.AEMET.RequestsPerMinute <= 0 {
		return fmt.Errorf("aemet.requests_per_minute must be greater than zero")
	}
	if c.AEMET.PollInterval <= 0 {
		return fmt.Errorf("aemet.poll_interval must be greater than zero")
	}
	if c.AEMET.RotationThreshold < 1 {
		return fmt.Errorf("aemet.rotation_threshold must be at least 1")
	}
	if c.AEMET.MaxAttempts < 1 {
		return fmt.Errorf("aemet.max_attempts must be at least 1")
	}
	if c.AEMET.Backoff < 0 {
		return fmt.Errorf("aemet.backoff cannot be negative")
	}
	if c.AEMET.HTTPTimeout <= 0 {
		return fmt.Errorf("aemet.http_timeout must be greater than zero")
	}
	if c.Batch.Attempts < 1 {
		return fmt.Errorf("batch.attempts must be at least 1")
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1")
	}
	if c.Batch.Limit < 0 {
		return fmt.Errorf("batch.limit cannot be negative")
	}
	if c.Batch.RetryDelay < 0 {
		return fmt.Errorf("batch.retry_delay cannot be negative")
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone: %w", err)
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir is required")
	}
	return nil
}

// Credentials returns the configured API keys or ErrNoAPIKeys.
func (c *Config) Credentials() ([]string, error) {
	if len(c.AEMET.APIKeys) == 0 {
		return nil, ErrNoAPIKeys
	}
	return append([]string(nil), c.AEMET.APIKeys...), nil
}

// Location returns the timezone used to pick the forecast date.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LoggerConfig converts the logging section for logging.Setup.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	cfg.TimeFormat = c.Logging.TimeFormat
	cfg.Caller = c.Logging.Caller
	return cfg
}

// envAPIKeys collects the values of every AEMET_API_KEY* variable. The bare
// variable comes first, then numbered ones by number (KEY2 before KEY10), then
// any other suffix by name.
func envAPIKeys(environ []string) []string {
	type pair struct {
		name, value string
		rank        int
	}
	var found []pair
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, APIKeyEnvPrefix) {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		found = append(found, pair{name: name, value: value, rank: keyRank(name)})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].rank != found[j].rank {
			return found[i].rank < found[j].rank
		}
		return found[i].name < found[j].name
	})

	keys := make([]string, 0, len(found))
	for _, p := range found {
		keys = append(keys, p.value)
	}
	return keys
}

// keyRank orders key variables: -1 for the bare name, the number for a
// numeric suffix, math.MaxInt for anything else.
func keyRank(name string) int {
	suffix := strings.TrimPrefix(strings.TrimPrefix(name, APIKeyEnvPrefix), "_")
	if suffix == "" {
		return -1
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return math.MaxInt
	}
	return n
}

// mergeKeys concatenates key lists, dropping blanks and repeats while keeping
// the first occurrence.
func mergeKeys(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, key := range list {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}
