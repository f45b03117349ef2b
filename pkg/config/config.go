package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names the optional YAML file layered under the environment.
const ConfigFileEnv = "COWORKER_CONFIG"

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// DatabaseURL selects Postgres. Empty means lite mode on SQLite.
	DatabaseURL string
	DataDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LLMProvider   string
	LLMServiceURL string
	LLMAPIKey     string
	LLMModel      string

	GenerationTimeout time.Duration
	RoutingTimeout    time.Duration
	ExecutionTimeout  time.Duration
	HistoryWindow     int

	PersonaCatalog string
	DefaultPersona string
	ApprovalPolicy string

	PlaybookURL   string
	PlaybookToken string

	AuditArchive string
	AuditBucket  string
	AuditPrefix  string
	AWSRegion    string
	S3Endpoint   string

	JWTSecret string
	JWTIssuer string

	RateLimitRPS   int
	RateLimitBurst int
	IPRateLimitRPS int
	IPRateBurst    int
	CORSOrigins    []string

	DispatchConcurrency int
	DispatchRPS         float64
	// ActionRetention is how many finished proposals stay in memory.
	ActionRetention int

	OTelEnabled  bool
	OTelEndpoint string
	Environment  string
}

var (
	validProviders = []string{"openai", "anthropic"}
	validArchives  = []string{"file", "s3", "gcs", "none"}
	validFormats   = []string{"text", "json"}
)

func defaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", "0")
	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_SERVICE_URL", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("LLM_MODEL", "")
	v.SetDefault("GENERATION_TIMEOUT", "30s")
	v.SetDefault("ROUTING_TIMEOUT", "5s")
	v.SetDefault("EXECUTION_TIMEOUT", "15s")
	v.SetDefault("HISTORY_WINDOW", "10")
	v.SetDefault("PERSONA_CATALOG", "")
	v.SetDefault("DEFAULT_PERSONA", "")
	v.SetDefault("APPROVAL_POLICY", "")
	v.SetDefault("PLAYBOOK_URL", "")
	v.SetDefault("PLAYBOOK_TOKEN", "")
	v.SetDefault("AUDIT_ARCHIVE", "file")
	v.SetDefault("AUDIT_BUCKET", "")
	v.SetDefault("AUDIT_PREFIX", "audit")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "coworkerd")
	v.SetDefault("RATE_LIMIT_RPS", "10")
	v.SetDefault("RATE_LIMIT_BURST", "20")
	v.SetDefault("IP_RATE_LIMIT_RPS", "50")
	v.SetDefault("IP_RATE_LIMIT_BURST", "100")
	v.SetDefault("CORS_ORIGINS", "")
	v.SetDefault("DISPATCH_CONCURRENCY", "1")
	v.SetDefault("DISPATCH_RPS", "0")
	v.SetDefault("ACTION_RETENTION", "512")
	v.SetDefault("OTEL_ENABLED", "false")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("ENVIRONMENT", "development")
}

// Load reads configuration from the environment, over the optional YAML file
// named by COWORKER_CONFIG, over the defaults.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := v.GetString(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	p := parser{v: v}
	cfg := &Config{
		Port:      v.GetString("PORT"),
		LogLevel:  strings.ToUpper(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),

		DatabaseURL: v.GetString("DATABASE_URL"),
		DataDir:     v.GetString("DATA_DIR"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       p.getInt("REDIS_DB"),

		LLMProvider:   strings.ToLower(v.GetString("LLM_PROVIDER")),
		LLMServiceURL: v.GetString("LLM_SERVICE_URL"),
		LLMAPIKey:     v.GetString("LLM_API_KEY"),
		LLMModel:      v.GetString("LLM_MODEL"),

		GenerationTimeout: p.getDuration("GENERATION_TIMEOUT"),
		RoutingTimeout:    p.getDuration("ROUTING_TIMEOUT"),
		ExecutionTimeout:  p.getDuration("EXECUTION_TIMEOUT"),
		HistoryWindow:     p.getInt("HISTORY_WINDOW"),

		PersonaCatalog: v.GetString("PERSONA_CATALOG"),
		DefaultPersona: v.GetString("DEFAULT_PERSONA"),
		ApprovalPolicy: v.GetString("APPROVAL_POLICY"),

		PlaybookURL:   v.GetString("PLAYBOOK_URL"),
		PlaybookToken: v.GetString("PLAYBOOK_TOKEN"),

		AuditArchive: strings.ToLower(v.GetString("AUDIT_ARCHIVE")),
		AuditBucket:  v.GetString("AUDIT_BUCKET"),
		AuditPrefix:  v.GetString("AUDIT_PREFIX"),
		AWSRegion:    v.GetString("AWS_REGION"),
		S3Endpoint:   v.GetString("S3_ENDPOINT"),

		JWTSecret: v.GetString("JWT_SECRET"),
		JWTIssuer: v.GetString("JWT_ISSUER"),

		RateLimitRPS:   p.getInt("RATE_LIMIT_RPS"),
		RateLimitBurst: p.getInt("RATE_LIMIT_BURST"),
		IPRateLimitRPS: p.getInt("IP_RATE_LIMIT_RPS"),
		IPRateBurst:    p.getInt("IP_RATE_LIMIT_BURST"),
		CORSOrigins:    splitList(v.GetString("CORS_ORIGINS")),

		DispatchConcurrency: p.getInt("DISPATCH_CONCURRENCY"),
		DispatchRPS:         p.getFloat("DISPATCH_RPS"),
		ActionRetention:     p.getInt("ACTION_RETENTION"),

		OTelEnabled:  p.getBool("OTEL_ENABLED"),
		OTelEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment:  v.GetString("ENVIRONMENT"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.HistoryWindow <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_WINDOW must be positive, got %d", c.HistoryWindow))
	}
	if c.DispatchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CONCURRENCY must be positive, got %d", c.DispatchConcurrency))
	}
	for key, d := range map[string]time.Duration{
		"GENERATION_TIMEOUT": c.GenerationTimeout,
		"ROUTING_TIMEOUT":    c.RoutingTimeout,
		"EXECUTION_TIMEOUT":  c.ExecutionTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.ActionRetention < 0 {
		errs = append(errs, fmt.Errorf("ACTION_RETENTION must not be negative, got %d", c.ActionRetention))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 || c.IPRateLimitRPS < 0 || c.IPRateBurst < 0 || c.DispatchRPS < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if !oneOf(c.LLMProvider, validProviders) {
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be one of %s, got %q", strings.Join(validProviders, ", "), c.LLMProvider))
	}
	if !oneOf(c.AuditArchive, validArchives) {
		errs = append(errs, fmt.Errorf("AUDIT_ARCHIVE must be one of %s, got %q", strings.Join(validArchives, ", "), c.AuditArchive))
	}
	if (c.AuditArchive == "s3" || c.AuditArchive == "gcs") && c.AuditBucket == "" {
		errs = append(errs, fmt.Errorf("AUDIT_BUCKET is required for the %s archive", c.AuditArchive))
	}
	if !oneOf(c.LogFormat, validFormats) {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LiteMode reports whether state lives in the embedded SQLite database.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "coworker.db")
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// parser collects conversion errors so Load reports every bad key at once.
type parser struct {
	v    *viper.Viper
	errs []error
}

func (p *parser) getInt(key string) int {
	raw := strings.TrimSpace(p.v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
	}
	return n
}

func (p *parser) getFloat(key string) float64 {
	raw := strings.TrimSpace(p.v.GetString(key))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a number", key, raw))
	}
	return f
}

func (p *parser) getBool(key string) bool {
	raw := strings.TrimSpace(p.v.GetString(key))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
	}
	return b
}

func (p *parser) getDuration(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
