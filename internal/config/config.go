package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Booking    BookingConfig    `yaml:"booking"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Events     EventsConfig     `yaml:"events"`
	Exports    ExportConfig     `yaml:"exports"`
	Sheets     SheetsConfig     `yaml:"sheets"`
	Admins     []int64          `yaml:"admins"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BookingConfig drives pricing and slot holds.
type BookingConfig struct {
	CodePrefix            string        `yaml:"code_prefix"`
	Currency              string        `yaml:"currency"`
	FeeRate               float64       `yaml:"fee_rate"`
	MinimumHours          float64       `yaml:"minimum_hours"`
	EnforceMinimum        bool          `yaml:"enforce_minimum"`
	HoldGracePeriod       time.Duration `yaml:"hold_grace_period"`
	HoldSweepInterval     time.Duration `yaml:"hold_sweep_interval"`
	RequireDeclaredWindow bool          `yaml:"require_declared_window"`
	Timezone              string        `yaml:"timezone"`
	RequesterLimit        int           `yaml:"requester_limit"`
	RequesterWindow       time.Duration `yaml:"requester_window"`
}

type EscrowConfig struct {
	ReleaseDelay  time.Duration `yaml:"release_delay"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type LedgerConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// SheetsConfig enables the Google Sheets booking mirror when both the
// credentials file and spreadsheet ID are set.
type SheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
	QueueSize       int    `yaml:"queue_size"`
}

// Enabled reports whether the mirror is configured.
func (c SheetsConfig) Enabled() bool {
	return c.CredentialsFile != "" && c.SpreadsheetID != ""
}

// envOverrides are applied on top of the YAML file, PAIRLY_ prefixed.
type envOverrides struct {
	DatabasePath string `envconfig:"DATABASE_PATH"`
	RedisAddress string `envconfig:"REDIS_ADDRESS"`
	LedgerURL    string `envconfig:"LEDGER_URL"`
	LedgerAPIKey string `envconfig:"LEDGER_API_KEY"`
	AMQPURL      string `envconfig:"AMQP_URL"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	HTTPPort     int    `envconfig:"HTTP_PORT"`
	Environment  string `envconfig:"ENVIRONMENT"`
}

const envPrefix = "pairly"

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := envconfig.Process(envPrefix, &o); err != nil {
		return err
	}
	if o.DatabasePath != "" {
		c.Database.Path = o.DatabasePath
	}
	if o.RedisAddress != "" {
		c.Redis.Address = o.RedisAddress
	}
	if o.LedgerURL != "" {
		c.Ledger.BaseURL = o.LedgerURL
	}
	if o.LedgerAPIKey != "" {
		c.Ledger.APIKey = o.LedgerAPIKey
	}
	if o.AMQPURL != "" {
		c.Events.AMQPURL = o.AMQPURL
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.HTTPPort != 0 {
		c.API.HTTP.Port = o.HTTPPort
	}
	if o.Environment != "" {
		c.App.Environment = o.Environment
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Booking.FeeRate < 0 || c.Booking.FeeRate >= 1 {
		return fmt.Errorf("booking.fee_rate must be in [0, 1), got %v", c.Booking.FeeRate)
	}
	if c.Booking.MinimumHours < 1 {
		return fmt.Errorf("booking.minimum_hours must be >= 1, got %v", c.Booking.MinimumHours)
	}
	if c.Escrow.ReleaseDelay <= 0 {
		return errors.New("escrow.release_delay must be positive")
	}
	if _, err := time.LoadLocation(c.Booking.Timezone); err != nil {
		return fmt.Errorf("booking.timezone: %w", err)
	}
	seen := make(map[string]bool, len(c.API.Auth.APIKeys))
	for _, k := range c.API.Auth.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

// Location returns the zone booking dates and times are interpreted in.
func (c BookingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsAdmin reports whether the user id is listed under admins.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "pairly"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}

	if c.Booking.CodePrefix == "" {
		c.Booking.CodePrefix = "BK"
	}
	if c.Booking.Currency == "" {
		c.Booking.Currency = "IDR"
	}
	if c.Booking.MinimumHours == 0 {
		c.Booking.MinimumHours = 1
	}
	if c.Booking.HoldGracePeriod == 0 {
		c.Booking.HoldGracePeriod = 15 * time.Minute
	}
	if c.Booking.HoldSweepInterval == 0 {
		c.Booking.HoldSweepInterval = time.Minute
	}
	if c.Booking.Timezone == "" {
		c.Booking.Timezone = "UTC"
	}
	if c.Booking.RequesterLimit > 0 && c.Booking.RequesterWindow == 0 {
		c.Booking.RequesterWindow = time.Minute
	}

	if c.Escrow.ReleaseDelay == 0 {
		c.Escrow.ReleaseDelay = 24 * time.Hour
	}
	if c.Escrow.SweepInterval == 0 {
		c.Escrow.SweepInterval = 5 * time.Minute
	}
	if c.Escrow.Retry.MaxRetries == 0 {
		c.Escrow.Retry.MaxRetries = 5
	}
	if c.Escrow.Retry.InitialDelay == 0 {
		c.Escrow.Retry.InitialDelay = 2 * time.Second
	}
	if c.Escrow.Retry.MaxDelay == 0 {
		c.Escrow.Retry.MaxDelay = time.Minute
	}
	if c.Escrow.Retry.BackoffFactor == 0 {
		c.Escrow.Retry.BackoffFactor = 2
	}
	if c.Escrow.Retry.PollInterval == 0 {
		c.Escrow.Retry.PollInterval = 2 * time.Second
	}

	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = 10 * time.Second
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "pairly.events"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "./exports"
	}
	if c.Sheets.SheetName == "" {
		c.Sheets.SheetName = "Bookings"
	}
}
