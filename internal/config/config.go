// Package config handles configuration management with validation
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Server    ServerConfig    `yaml:"server"`
	Parser    ParserConfig    `yaml:"parser"`
	Routing   RoutingConfig   `yaml:"routing"`
	Credit    CreditConfig    `yaml:"credit"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Providers ProvidersConfig `yaml:"providers"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	System    SystemConfig    `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Environment string `yaml:"environment"` // development | production
	JWTSecret   string `yaml:"jwt_secret"`
}

// Production reports whether the app runs in production mode. 5xx bodies
// never carry internal error text in production.
func (a AppConfig) Production() bool { return a.Environment == "production" }

// DatabaseConfig contains relational store settings
type DatabaseConfig struct {
	URL                 string `yaml:"url"`
	SlowQueryThresholdM int    `yaml:"slow_query_threshold_ms"`
}

// BrokerConfig contains broker settings. An empty URL flips the job fabric
// into synchronous in-memory mode.
type BrokerConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port                 int `yaml:"port"`
	RateLimitWindowMS    int `yaml:"rate_limit_window_ms"`
	RateLimitMaxRequests int `yaml:"rate_limit_max_requests"`
}

// ParserConfig contains order parser thresholds
type ParserConfig struct {
	AutoAcceptThreshold   int     `yaml:"auto_accept_threshold"`
	NeedsReviewThreshold  int     `yaml:"needs_review_threshold"`
	MinSimilarity         float64 `yaml:"min_similarity"`
	ProductMatchThreshold float64 `yaml:"product_match_threshold"`
	SessionTTLMinutes     int     `yaml:"session_ttl_minutes"`
}

// RoutingConfig contains vendor selection settings
type RoutingConfig struct {
	MaxActiveOrdersPerVendor  int     `yaml:"max_active_orders_per_vendor"`
	MaxPendingOrdersPerVendor int     `yaml:"max_pending_orders_per_vendor"`
	MonopolyThreshold         float64 `yaml:"monopoly_threshold"`
	WorkingHoursEnabled       bool    `yaml:"working_hours_enabled"`
	LoadBalancingStrategy     string  `yaml:"load_balancing_strategy"` // round-robin | least-loaded
	ResponseDeadlineHours     int     `yaml:"response_deadline_hours"`
	MaxVendorAttempts         int     `yaml:"max_vendor_attempts"`
}

// CreditConfig contains credit validation settings
type CreditConfig struct {
	HighRiskAlert    int `yaml:"high_risk_alert"`
	OverdueBlockDays int `yaml:"overdue_block_days"`
}

// RecoveryConfig contains recovery worker settings
type RecoveryConfig struct {
	WebhookMaxRetries      int `yaml:"webhook_max_retries"`
	WorkflowTimeoutMinutes int `yaml:"workflow_timeout_minutes"`
	SweepIntervalSeconds   int `yaml:"sweep_interval_seconds"`
	StartupSettleSeconds   int `yaml:"startup_settle_seconds"`
	MaxRecoveryAttempts    int `yaml:"max_recovery_attempts"`
	StuckWebhookMinutes    int `yaml:"stuck_webhook_minutes"`
}

// WhatsAppConfig contains WhatsApp provider settings
type WhatsAppConfig struct {
	APIURL       string   `yaml:"api_url"`
	AccessToken  string   `yaml:"access_token"`
	VerifyToken  string   `yaml:"verify_token"`
	AppSecret    string   `yaml:"app_secret"`
	RatePerSec   int      `yaml:"rate_per_sec"`
	SendTimeoutS int      `yaml:"send_timeout_seconds"`
	AdminPhones  []string `yaml:"admin_phones"`
}

// ProvidersConfig contains outbound OCR/LLM/object-store adapters
type ProvidersConfig struct {
	OCRURL          string `yaml:"ocr_url"`
	OCRTimeoutS     int    `yaml:"ocr_timeout_seconds"`
	LLMURL          string `yaml:"llm_url"`
	LLMModel        string `yaml:"llm_model"`
	LLMFallbackModel string `yaml:"llm_fallback_model"`
	LLMTimeoutS     int    `yaml:"llm_timeout_seconds"`
	StorageURL      string `yaml:"storage_url"`
	SignedURLTTLMin int    `yaml:"signed_url_ttl_minutes"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort        int      `yaml:"metrics_port"`
	EnableMetrics      bool     `yaml:"enable_metrics"`
	LivePort           int      `yaml:"live_port"`
	LiveAllowedOrigins []string `yaml:"live_allowed_origins"`
	LiveMaxConnections int      `yaml:"live_max_connections"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, fn := range []func() error{
		c.validateApp,
		c.validateDatabase,
		c.validateParser,
		c.validateRouting,
		c.validateCredit,
		c.validateSystem,
	} {
		if err := fn(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.JWTSecret == "" {
		return ValidationError{Field: "app.jwt_secret", Message: "jwt secret is required"}
	}
	if len(c.App.JWTSecret) < 32 {
		return ValidationError{
			Field:   "app.jwt_secret",
			Message: fmt.Sprintf("must be at least 32 characters, got %d", len(c.App.JWTSecret)),
		}
	}
	if c.App.Environment != "development" && c.App.Environment != "production" {
		return ValidationError{
			Field:   "app.environment",
			Value:   c.App.Environment,
			Message: "must be one of: development, production",
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return ValidationError{Field: "database.url", Message: "database URL is required"}
	}
	return nil
}

func (c *Config) validateParser() error {
	if c.Parser.AutoAcceptThreshold < c.Parser.NeedsReviewThreshold {
		return ValidationError{
			Field:   "parser.auto_accept_threshold",
			Value:   c.Parser.AutoAcceptThreshold,
			Message: "auto accept threshold must be >= needs review threshold",
		}
	}
	if c.Parser.MinSimilarity < 0.65 {
		return ValidationError{
			Field:   "parser.min_similarity",
			Value:   c.Parser.MinSimilarity,
			Message: "minimum allowed similarity is 0.65",
		}
	}
	if c.Parser.ProductMatchThreshold < c.Parser.MinSimilarity {
		return ValidationError{
			Field:   "parser.product_match_threshold",
			Value:   c.Parser.ProductMatchThreshold,
			Message: "product match threshold must be >= min similarity",
		}
	}
	return nil
}

func (c *Config) validateRouting() error {
	if c.Routing.LoadBalancingStrategy != "round-robin" && c.Routing.LoadBalancingStrategy != "least-loaded" {
		return ValidationError{
			Field:   "routing.load_balancing_strategy",
			Value:   c.Routing.LoadBalancingStrategy,
			Message: "must be one of: round-robin, least-loaded",
		}
	}
	if c.Routing.MonopolyThreshold <= 0 || c.Routing.MonopolyThreshold > 1 {
		return ValidationError{
			Field:   "routing.monopoly_threshold",
			Value:   c.Routing.MonopolyThreshold,
			Message: "must be in (0, 1]",
		}
	}
	if c.Routing.MaxVendorAttempts < 1 || c.Routing.MaxVendorAttempts > 5 {
		return ValidationError{
			Field:   "routing.max_vendor_attempts",
			Value:   c.Routing.MaxVendorAttempts,
			Message: "must be between 1 and 5",
		}
	}
	return nil
}

func (c *Config) validateCredit() error {
	if c.Credit.HighRiskAlert < 0 || c.Credit.HighRiskAlert > 100 {
		return ValidationError{
			Field:   "credit.high_risk_alert",
			Value:   c.Credit.HighRiskAlert,
			Message: "must be between 0 and 100",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// BrokerEnabled reports whether a broker URL is configured and parses.
func (c *Config) BrokerEnabled() bool {
	if c.Broker.URL == "" {
		return false
	}
	u, err := url.Parse(c.Broker.URL)
	return err == nil && u.Host != ""
}

// String returns a string representation with sensitive data masked
func (c *Config) String() string {
	configCopy := *c
	configCopy.App.JWTSecret = maskString(c.App.JWTSecret)
	configCopy.WhatsApp.AppSecret = maskString(c.WhatsApp.AppSecret)
	configCopy.WhatsApp.AccessToken = maskString(c.WhatsApp.AccessToken)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the defaults every deployment starts from. Values
// mirror the documented environment defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Environment: "development",
			JWTSecret:   "",
		},
		Database: DatabaseConfig{
			SlowQueryThresholdM: 500,
		},
		Server: ServerConfig{
			Port:                 8080,
			RateLimitWindowMS:    60000,
			RateLimitMaxRequests: 300,
		},
		Parser: ParserConfig{
			AutoAcceptThreshold:   80,
			NeedsReviewThreshold:  50,
			MinSimilarity:         0.65,
			ProductMatchThreshold: 0.70,
			SessionTTLMinutes:     30,
		},
		Routing: RoutingConfig{
			MaxActiveOrdersPerVendor:  10,
			MaxPendingOrdersPerVendor: 5,
			MonopolyThreshold:         0.40,
			WorkingHoursEnabled:       true,
			LoadBalancingStrategy:     "least-loaded",
			ResponseDeadlineHours:     2,
			MaxVendorAttempts:         5,
		},
		Credit: CreditConfig{
			HighRiskAlert:    70,
			OverdueBlockDays: 30,
		},
		Recovery: RecoveryConfig{
			WebhookMaxRetries:      3,
			WorkflowTimeoutMinutes: 5,
			SweepIntervalSeconds:   120,
			StartupSettleSeconds:   15,
			MaxRecoveryAttempts:    5,
			StuckWebhookMinutes:    10,
		},
		WhatsApp: WhatsAppConfig{
			RatePerSec:   50,
			SendTimeoutS: 30,
		},
		Providers: ProvidersConfig{
			OCRTimeoutS:     300,
			LLMTimeoutS:     60,
			SignedURLTTLMin: 60,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:        9091,
			EnableMetrics:      true,
			LivePort:           8081,
			LiveAllowedOrigins: []string{"*"},
			LiveMaxConnections: 500,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
}
