// Package config loads runtime settings from an optional config file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/dvloznov/movements-ledger/internal/budget"
	"github.com/dvloznov/movements-ledger/internal/classify"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendBigQuery = "bigquery"
)

// WebhookPath is where the API receives the provider's link callback.
const WebhookPath = "/api/fintoc/webhook"

// Config is the merged configuration of all binaries.
type Config struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// AppURL is the public base address used to build the webhook URL.
	AppURL string `mapstructure:"app_url"`

	FintocAPIKey  string `mapstructure:"fintoc_api_key"`
	FintocBaseURL string `mapstructure:"fintoc_base_url"`

	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	GeminiModel  string `mapstructure:"gemini_model"`

	StoreBackend    string `mapstructure:"store_backend"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	BigQueryProject string `mapstructure:"bigquery_project"`
	BigQueryDataset string `mapstructure:"bigquery_dataset"`

	ArchiveBucket string `mapstructure:"gcs_archive_bucket"`
	ArchivePrefix string `mapstructure:"gcs_archive_prefix"`

	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`
	AMQPQueue    string `mapstructure:"amqp_queue"`

	QueueWorkers      int  `mapstructure:"queue_workers"`
	ClassifyAfterSync bool `mapstructure:"classify_after_sync"`

	Budget BudgetConfig `mapstructure:"budget"`
	Rules  []RuleConfig `mapstructure:"rules"`
}

// BudgetConfig holds the monthly limits and the savings target, in pesos.
type BudgetConfig struct {
	SavingsGoal int64         `mapstructure:"savings_goal"`
	Limits      []LimitConfig `mapstructure:"limits"`
}

// LimitConfig caps the debits of one category.
type LimitConfig struct {
	Category string `mapstructure:"category"`
	Limit    int64  `mapstructure:"limit"`
}

// RuleConfig is one entry of a custom rule table.
type RuleConfig struct {
	Name       string   `mapstructure:"name"`
	Category   string   `mapstructure:"category"`
	Patterns   []string `mapstructure:"patterns"`
	Direction  string   `mapstructure:"direction"`
	Confidence float64  `mapstructure:"confidence"`
}

var defaults = map[string]any{
	"port":                "8080",
	"log_level":           "info",
	"log_json":            false,
	"app_url":             "",
	"fintoc_api_key":      "",
	"fintoc_base_url":     "",
	"gemini_api_key":      "",
	"gemini_model":        "",
	"store_backend":       BackendMemory,
	"sqlite_path":         "./data/ledger.db",
	"bigquery_project":    "",
	"bigquery_dataset":    "",
	"gcs_archive_bucket":  "",
	"gcs_archive_prefix":  "movements",
	"amqp_url":            "",
	"amqp_exchange":       "ledger",
	"amqp_queue":          "ledger.sync",
	"queue_workers":       5,
	"classify_after_sync": true,
	"budget.savings_goal": budget.DefaultSavingsGoal.IntPart(),
}

// Load reads configuration from path, if not empty, and the environment.
// Environment variables use the upper-cased key with dots replaced by
// underscores, e.g. FINTOC_API_KEY or BUDGET_SAVINGS_GOAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &c, nil
}

// Validate reports every problem found in the configuration at once.
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		problems = append(problems, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		problems = append(problems, fmt.Sprintf("invalid log level '%s'", c.LogLevel))
	}

	validBackends := []string{BackendMemory, BackendSQLite, BackendBigQuery}
	if !slices.Contains(validBackends, c.StoreBackend) {
		problems = append(problems, fmt.Sprintf("invalid store backend '%s': must be one of %v", c.StoreBackend, validBackends))
	}
	if c.StoreBackend == BackendSQLite && c.SQLitePath == "" {
		problems = append(problems, "SQLITE_PATH cannot be empty when using sqlite backend")
	}
	if c.StoreBackend == BackendBigQuery {
		if c.BigQueryProject == "" {
			problems = append(problems, "BIGQUERY_PROJECT is required when using bigquery backend")
		}
		if c.BigQueryDataset == "" {
			problems = append(problems, "BIGQUERY_DATASET is required when using bigquery backend")
		}
	}

	if c.AppURL != "" {
		if u, err := url.Parse(c.AppURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("invalid APP_URL '%s': must be an absolute URL", c.AppURL))
		}
	}

	if c.AMQPURL != "" {
		if u, err := url.Parse(c.AMQPURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQPExchange == "" {
			problems = append(problems, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			problems = append(problems, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.QueueWorkers < 1 {
		problems = append(problems, fmt.Sprintf("invalid queue workers %d: must be at least 1", c.QueueWorkers))
	}

	if c.Budget.SavingsGoal < 0 {
		problems = append(problems, fmt.Sprintf("invalid savings goal %d: must not be negative", c.Budget.SavingsGoal))
	}
	for i, l := range c.Budget.Limits {
		if strings.TrimSpace(l.Category) == "" {
			problems = append(problems, fmt.Sprintf("budget limit %d: category is required", i))
		}
		if l.Limit < 0 {
			problems = append(problems, fmt.Sprintf("budget limit %q: must not be negative", l.Category))
		}
	}

	for i, r := range c.Rules {
		if strings.TrimSpace(r.Category) == "" {
			problems = append(problems, fmt.Sprintf("rule %d: category is required", i))
		}
		if len(r.Patterns) == 0 {
			problems = append(problems, fmt.Sprintf("rule %d: at least one pattern is required", i))
		}
		switch domain.Direction(r.Direction) {
		case "", domain.DirectionCredit, domain.DirectionDebit:
		default:
			problems = append(problems, fmt.Sprintf("rule %d: invalid direction '%s'", i, r.Direction))
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			problems = append(problems, fmt.Sprintf("rule %d: confidence must be between 0 and 1", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}

	return nil
}

// RequireFintoc returns domain.ErrConfigMissing when no provider key is set.
func (c *Config) RequireFintoc() error {
	if c.FintocAPIKey == "" {
		return fmt.Errorf("FINTOC_API_KEY: %w", domain.ErrConfigMissing)
	}
	return nil
}

// BudgetLimits returns the configured limits, or the household defaults.
func (c *Config) BudgetLimits() []domain.BudgetLimit {
	if len(c.Budget.Limits) == 0 {
		return budget.DefaultLimits()
	}
	limits := make([]domain.BudgetLimit, 0, len(c.Budget.Limits))
	for _, l := range c.Budget.Limits {
		limits = append(limits, domain.BudgetLimit{
			Category: l.Category,
			Limit:    decimal.NewFromInt(l.Limit),
		})
	}
	return limits
}

// SavingsGoal returns the savings target as a decimal.
func (c *Config) SavingsGoal() decimal.Decimal {
	return decimal.NewFromInt(c.Budget.SavingsGoal)
}

// RuleSet converts the configured rules. It returns nil when none are
// configured so the classifier keeps its defaults. A rule without confidence
// is treated as fully confident.
func (c *Config) RuleSet() classify.RuleSet {
	if len(c.Rules) == 0 {
		return nil
	}
	rules := make(classify.RuleSet, 0, len(c.Rules))
	for _, r := range c.Rules {
		confidence := r.Confidence
		if confidence == 0 {
			confidence = classify.FullConfidence
		}
		rules = append(rules, classify.Rule{
			Name:       r.Name,
			Category:   r.Category,
			Patterns:   r.Patterns,
			Direction:  domain.Direction(r.Direction),
			Confidence: confidence,
		})
	}
	return rules
}

// WebhookURL returns the public link callback address, or "" without APP_URL.
func (c *Config) WebhookURL() string {
	if c.AppURL == "" {
		return ""
	}
	return strings.TrimRight(c.AppURL, "/") + WebhookPath
}

// ErrNoArchive is returned by ArchiveTarget when archiving is disabled.
var ErrNoArchive = errors.New("raw movement archive not configured")

// ArchiveTarget returns the bucket and prefix of the raw movement archive.
func (c *Config) ArchiveTarget() (bucket, prefix string, err error) {
	if c.ArchiveBucket == "" {
		return "", "", ErrNoArchive
	}
	return c.ArchiveBucket, c.ArchivePrefix, nil
}
