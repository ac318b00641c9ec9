// Package config handles application configuration from environment variables
// and the searches file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"yad2_bot/internal/model"
)

// DefaultMaxPages is used for searches that do not set max_pages.
const DefaultMaxPages = 5

var validate = validator.New()

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string `validate:"required"`
	// TelegramChatID is the notification destination: a numeric chat id or
	// an @channel name. With the redis sink it names the stream.
	TelegramChatID string `validate:"required"`
	AllowedUsers   []int64

	DatabaseDriver string `validate:"oneof=sqlite postgres"`
	DatabasePath   string `validate:"required_if=DatabaseDriver sqlite"`
	DatabaseURL    string `validate:"required_if=DatabaseDriver postgres"`

	CheckInterval     time.Duration `validate:"gt=0"`
	SweepInterval     time.Duration `validate:"gt=0"`
	Retention         time.Duration `validate:"gt=0"`
	RateLimitDelay    time.Duration `validate:"gte=0"`
	SearchConcurrency int           `validate:"min=1"`

	FetchAttempts    int           `validate:"min=1"`
	FetchBackoff     time.Duration `validate:"gte=0"`
	DeliveryAttempts int           `validate:"min=1"`
	DeliveryBackoff  time.Duration `validate:"gte=0"`

	MaxNotificationsPerCycle int           `validate:"min=0"`
	NotifyDelay              time.Duration `validate:"gte=0"`
	NotifySink               string        `validate:"oneof=telegram redis"`
	RedisAddr                string        `validate:"required_if=NotifySink redis"`
	RedisDB                  int           `validate:"min=0"`

	StartupMessage bool
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogFormat      string `validate:"oneof=console json"`

	SearchesFile string `validate:"required"`
	Searches     []model.Search
}

// Load reads configuration from environment variables and the searches file.
func Load() (*Config, error) {
	var errs []error
	p := &envParser{errs: &errs}

	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")),

		DatabaseDriver: envOrDefault("DATABASE_DRIVER", "sqlite"),
		DatabasePath:   envOrDefault("DATABASE_PATH", "./data/bot.db"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),

		CheckInterval:     p.durationVar("CHECK_INTERVAL", time.Minute),
		SweepInterval:     p.durationVar("SWEEP_INTERVAL", time.Hour),
		Retention:         p.durationVar("RETENTION", 7*24*time.Hour),
		RateLimitDelay:    p.durationVar("RATE_LIMIT_DELAY", 2*time.Second),
		SearchConcurrency: p.intVar("SEARCH_CONCURRENCY", 1),

		FetchAttempts:    p.intVar("FETCH_ATTEMPTS", 3),
		FetchBackoff:     p.durationVar("FETCH_BACKOFF", time.Second),
		DeliveryAttempts: p.intVar("DELIVERY_ATTEMPTS", 3),
		DeliveryBackoff:  p.durationVar("DELIVERY_BACKOFF", time.Second),

		MaxNotificationsPerCycle: p.intVar("MAX_NOTIFICATIONS_PER_CYCLE", 10),
		NotifyDelay:              p.durationVar("NOTIFY_DELAY", time.Second),
		NotifySink:               envOrDefault("NOTIFY_SINK", "telegram"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisDB:                  p.intVar("REDIS_DB", 0),

		StartupMessage: p.boolVar("STARTUP_MESSAGE", true),
		LogLevel:       strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(envOrDefault("LOG_FORMAT", "console")),

		SearchesFile: envOrDefault("SEARCHES_FILE", "./searches.yaml"),
	}

	users, err := parseUsers(os.Getenv("ALLOWED_USERS"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AllowedUsers = users

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	searches, err := LoadSearches(cfg.SearchesFile)
	if err != nil {
		return nil, err
	}
	cfg.Searches = searches

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	return lo.Contains(c.AllowedUsers, userID)
}

// EnabledSearches returns the searches the runner will execute.
func (c *Config) EnabledSearches() []model.Search {
	return lo.Filter(c.Searches, func(s model.Search, _ int) bool { return s.Enabled })
}

type searchesFile struct {
	Searches []searchEntry `yaml:"searches" validate:"required,min=1,unique=Tag,dive"`
}

type searchEntry struct {
	Tag      string `yaml:"tag" validate:"required,max=64"`
	Name     string `yaml:"name"`
	Query    string `yaml:"query" validate:"required,url"`
	MaxPages *int   `yaml:"max_pages" validate:"omitempty,min=1,max=100"`
	Enabled  *bool  `yaml:"enabled"`
}

// LoadSearches reads and validates the YAML searches file at path.
func LoadSearches(path string) ([]model.Search, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read searches file: %w", err)
	}
	return ParseSearches(data)
}

// ParseSearches decodes and validates a YAML searches document.
func ParseSearches(data []byte) ([]model.Search, error) {
	var f searchesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse searches file: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid searches file: %w", err)
	}

	return lo.Map(f.Searches, func(e searchEntry, _ int) model.Search {
		s := model.Search{
			Tag:      strings.TrimSpace(e.Tag),
			Name:     strings.TrimSpace(e.Name),
			Query:    e.Query,
			MaxPages: DefaultMaxPages,
			Enabled:  true,
		}
		if s.Name == "" {
			s.Name = s.Tag
		}
		if e.MaxPages != nil {
			s.MaxPages = *e.MaxPages
		}
		if e.Enabled != nil {
			s.Enabled = *e.Enabled
		}
		return s
	}), nil
}

func parseUsers(raw string) ([]int64, error) {
	var users []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		users = append(users, uid)
	}
	return users, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envParser collects parse errors so that every bad variable is reported at once.
type envParser struct {
	errs *[]error
}

func (p *envParser) intVar(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *envParser) durationVar(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *envParser) boolVar(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}
