// Package config loads the modx command line configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MODX_"

// Config represents the modx configuration.
type Config struct {
	Backend   string `json:"backend"`
	Telemetry string `json:"telemetry"`

	Cache        CacheConfig        `json:"cache"`
	Redis        RedisConfig        `json:"redis"`
	Postgres     PostgresConfig     `json:"postgres"`
	DynamoDB     DynamoDBConfig     `json:"dynamodb"`
	Upstream     UpstreamConfig     `json:"upstream"`
	Conversation ConversationConfig `json:"conversation"`
	Log          LogConfig          `json:"log"`
}

// CacheConfig controls the signed cache shared by every backend.
type CacheConfig struct {
	Prefix             string `json:"prefix"`
	Secret             string `json:"secret,omitempty"`
	TTLSeconds         int    `json:"ttlSeconds"`
	NegativeTTLSeconds int    `json:"negativeTtlSeconds"`
}

// RedisConfig reaches the redis backend. URL wins over Addr, Username,
// Password and DB; the timeouts, pool size and TLS settings apply to both.
// Zero timeouts and pool size keep the client defaults.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`

	TimeoutSeconds        int  `json:"timeoutSeconds,omitempty"`
	ConnectTimeoutSeconds int  `json:"connectTimeoutSeconds,omitempty"`
	PoolSize              int  `json:"poolSize,omitempty"`
	TLS                   bool `json:"tls,omitempty"`
	TLSSkipVerify         bool `json:"tlsSkipVerify,omitempty"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn,omitempty"`
	DeleteExpired bool   `json:"deleteExpired"`
}

type DynamoDBConfig struct {
	Table       string `json:"table"`
	Region      string `json:"region,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	CreateTable bool   `json:"createTable"`
}

// UpstreamConfig points at an OpenAI-compatible API.
type UpstreamConfig struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey,omitempty"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type ConversationConfig struct {
	TurnTTLSeconds     int `json:"turnTtlSeconds"`
	MaxContextMessages int `json:"maxContextMessages"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Backend:   "redis",
		Telemetry: "none",
		Cache: CacheConfig{
			Prefix:             "modx:",
			TTLSeconds:         3600,
			NegativeTTLSeconds: 60,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		DynamoDB: DynamoDBConfig{
			Table: "modx_cache",
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Conversation: ConversationConfig{
			TurnTTLSeconds: 3600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads a JSON config file. A missing file is an error only when
// required is set.
func LoadFile(path string, required bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Load builds the effective config by merging: defaults <- file <- env <- overrides.
// Variables from a .env file in the working directory are added to the
// environment first, without replacing variables that are already set.
// Overrides use the environment names without the MODX_ prefix, e.g.
// "BACKEND" or "REDIS_ADDR".
func Load(path string, overrides map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := LoadFile(path, true)
		if err != nil {
			return Config{}, err
		}
		mergeFile(&cfg, fileCfg)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	if err := apply(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	if err := apply(&cfg, func(name string) (string, bool) {
		v, ok := overrides[name]
		return v, ok && v != ""
	}); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if ok && v != "" {
		return v, true
	}
	if name == "API_KEY" {
		v = os.Getenv("OPENAI_API_KEY")
		return v, v != ""
	}
	return "", false
}

func mergeFile(dst *Config, src Config) {
	setString(&dst.Backend, src.Backend)
	setString(&dst.Telemetry, src.Telemetry)

	setString(&dst.Cache.Prefix, src.Cache.Prefix)
	setString(&dst.Cache.Secret, src.Cache.Secret)
	setInt(&dst.Cache.TTLSeconds, src.Cache.TTLSeconds)
	setInt(&dst.Cache.NegativeTTLSeconds, src.Cache.NegativeTTLSeconds)

	setString(&dst.Redis.URL, src.Redis.URL)
	setString(&dst.Redis.Addr, src.Redis.Addr)
	setString(&dst.Redis.Username, src.Redis.Username)
	setString(&dst.Redis.Password, src.Redis.Password)
	setInt(&dst.Redis.DB, src.Redis.DB)
	setInt(&dst.Redis.TimeoutSeconds, src.Redis.TimeoutSeconds)
	setInt(&dst.Redis.ConnectTimeoutSeconds, src.Redis.ConnectTimeoutSeconds)
	setInt(&dst.Redis.PoolSize, src.Redis.PoolSize)
	dst.Redis.TLS = src.Redis.TLS || dst.Redis.TLS
	dst.Redis.TLSSkipVerify = src.Redis.TLSSkipVerify || dst.Redis.TLSSkipVerify

	setString(&dst.Postgres.DSN, src.Postgres.DSN)
	dst.Postgres.DeleteExpired = src.Postgres.DeleteExpired || dst.Postgres.DeleteExpired

	setString(&dst.DynamoDB.Table, src.DynamoDB.Table)
	setString(&dst.DynamoDB.Region, src.DynamoDB.Region)
	setString(&dst.DynamoDB.Endpoint, src.DynamoDB.Endpoint)
	dst.DynamoDB.CreateTable = src.DynamoDB.CreateTable || dst.DynamoDB.CreateTable

	setString(&dst.Upstream.BaseURL, src.Upstream.BaseURL)
	setString(&dst.Upstream.APIKey, src.Upstream.APIKey)
	setString(&dst.Upstream.Model, src.Upstream.Model)
	setInt(&dst.Upstream.TimeoutSeconds, src.Upstream.TimeoutSeconds)

	setInt(&dst.Conversation.TurnTTLSeconds, src.Conversation.TurnTTLSeconds)
	setInt(&dst.Conversation.MaxContextMessages, src.Conversation.MaxContextMessages)

	setString(&dst.Log.Level, src.Log.Level)
	setString(&dst.Log.Format, src.Log.Format)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// apply reads every known variable through lookup.
func apply(cfg *Config, lookup func(name string) (string, bool)) error {
	strs := map[string]*string{
		"BACKEND":           &cfg.Backend,
		"TELEMETRY":         &cfg.Telemetry,
		"PREFIX":            &cfg.Cache.Prefix,
		"SECRET":            &cfg.Cache.Secret,
		"REDIS_URL":         &cfg.Redis.URL,
		"REDIS_ADDR":        &cfg.Redis.Addr,
		"REDIS_USERNAME":    &cfg.Redis.Username,
		"REDIS_PASSWORD":    &cfg.Redis.Password,
		"POSTGRES_DSN":      &cfg.Postgres.DSN,
		"DYNAMODB_TABLE":    &cfg.DynamoDB.Table,
		"DYNAMODB_REGION":   &cfg.DynamoDB.Region,
		"DYNAMODB_ENDPOINT": &cfg.DynamoDB.Endpoint,
		"UPSTREAM_URL":      &cfg.Upstream.BaseURL,
		"API_KEY":           &cfg.Upstream.APIKey,
		"MODEL":             &cfg.Upstream.Model,
		"LOG_LEVEL":         &cfg.Log.Level,
		"LOG_FORMAT":        &cfg.Log.Format,
	}
	ints := map[string]*int{
		"TTL":                   &cfg.Cache.TTLSeconds,
		"NEGATIVE_TTL":          &cfg.Cache.NegativeTTLSeconds,
		"REDIS_DB":              &cfg.Redis.DB,
		"REDIS_TIMEOUT":         &cfg.Redis.TimeoutSeconds,
		"REDIS_CONNECT_TIMEOUT": &cfg.Redis.ConnectTimeoutSeconds,
		"REDIS_POOL_SIZE":       &cfg.Redis.PoolSize,
		"UPSTREAM_TIMEOUT":      &cfg.Upstream.TimeoutSeconds,
		"TURN_TTL":              &cfg.Conversation.TurnTTLSeconds,
		"MAX_CONTEXT":           &cfg.Conversation.MaxContextMessages,
	}
	bools := map[string]*bool{
		"REDIS_TLS":               &cfg.Redis.TLS,
		"REDIS_TLS_SKIP_VERIFY":   &cfg.Redis.TLSSkipVerify,
		"POSTGRES_DELETE_EXPIRED": &cfg.Postgres.DeleteExpired,
		"DYNAMODB_CREATE_TABLE":   &cfg.DynamoDB.CreateTable,
	}

	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	var errs []error
	for name, dst := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				continue
			}
			*dst = n
		}
	}
	for name, dst := range bools {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				continue
			}
			*dst = b
		}
	}

	return errors.Join(errs...)
}

// Backends lists the supported storage backends.
var Backends = []string{"redis", "local", "postgres", "dynamodb"}

// Validate checks the fields that have a closed set of values.
func (c Config) Validate() error {
	var errs []error

	if !slices.Contains(Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("unknown backend %q (want one of %s)", c.Backend, strings.Join(Backends, ", ")))
	}

	switch c.Telemetry {
	case "none", "", "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown telemetry exporter %q", c.Telemetry))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}

	if c.Backend == "postgres" && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres backend needs a dsn"))
	}

	if c.Conversation.MaxContextMessages < 0 {
		errs = append(errs, errors.New("maxContextMessages must not be negative"))
	}

	return errors.Join(errs...)
}
