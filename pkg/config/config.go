package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RunAddress    string
	BackendURL    string
	ProxyURL      string
	RendererURL   string
	Environment   string
	LogLevel      string
	RedisAddr     string
	DefaultLocale string
	Locales       []string

	AccessTokenMaxAge  time.Duration
	RefreshTokenMaxAge time.Duration
	UserDataMaxAge     time.Duration

	RefreshTimeout time.Duration
	ProxyTimeout   time.Duration
	RefreshGrace   time.Duration
}

type lookupFunc func(string) (string, bool)

// Parse reads the configuration: defaults, then `.env`, then flags, then
// the process environment.
func Parse() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	return parse(os.Args[1:], os.LookupEnv)
}

func defaults() Config {
	return Config{
		RunAddress:    "localhost:8080",
		BackendURL:    "http://localhost:8000/api",
		Environment:   "production",
		DefaultLocale: "id",
		Locales:       []string{"id", "en"},

		AccessTokenMaxAge:  time.Hour,
		RefreshTokenMaxAge: 7 * 24 * time.Hour,
		UserDataMaxAge:     8 * time.Hour,

		RefreshTimeout: 10 * time.Second,
		ProxyTimeout:   60 * time.Second,
	}
}

func parse(args []string, lookup lookupFunc) (*Config, error) {
	cfg := defaults()
	if err := cfg.updateFromFlags(args); err != nil {
		return nil, err
	}
	if err := cfg.updateFromEnv(lookup); err != nil {
		return nil, err
	}
	if cfg.ProxyURL == "" {
		cfg.ProxyURL = cfg.BackendURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		if cfg.IsDevelopment() {
			cfg.LogLevel = "debug"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) updateFromFlags(args []string) error {
	fs := flag.NewFlagSet("edge", flag.ContinueOnError)
	fs.StringVar(&cfg.RunAddress, "a", cfg.RunAddress, "Server address.")
	fs.StringVar(&cfg.BackendURL, "b", cfg.BackendURL, "Backend API base URL.")
	fs.StringVar(&cfg.ProxyURL, "p", cfg.ProxyURL, "Proxy target base URL (defaults to the backend URL).")
	fs.StringVar(&cfg.Environment, "e", cfg.Environment, "Deployment environment.")
	fs.StringVar(&cfg.RedisAddr, "r", cfg.RedisAddr, "Redis address for refresh coalescing.")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "Log level.")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: failed parsing flags, %w", err)
	}
	return nil
}

func (cfg *Config) updateFromEnv(lookup lookupFunc) error {
	if addr, ok := lookup("RUN_ADDRESS"); ok {
		cfg.RunAddress = addr
	}
	if u, ok := lookup("API_URL"); ok {
		cfg.BackendURL = u
	}
	if u, ok := lookup("PUBLIC_API_URL"); ok {
		cfg.ProxyURL = u
	}
	if u, ok := lookup("RENDERER_URL"); ok {
		cfg.RendererURL = u
	}
	if env, ok := lookup("APP_ENV"); ok {
		cfg.Environment = env
	}
	if lvl, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = lvl
	}
	if addr, ok := lookup("REDIS_ADDR"); ok {
		cfg.RedisAddr = addr
	}
	if loc, ok := lookup("DEFAULT_LOCALE"); ok {
		cfg.DefaultLocale = strings.TrimSpace(loc)
	}
	if locs, ok := lookup("LOCALES"); ok {
		cfg.Locales = splitList(locs)
	}

	var err error
	if cfg.AccessTokenMaxAge, err = seconds(lookup, "ACCESS_TOKEN_MAX_AGE", cfg.AccessTokenMaxAge); err != nil {
		return err
	}
	if cfg.RefreshTokenMaxAge, err = seconds(lookup, "REFRESH_TOKEN_MAX_AGE", cfg.RefreshTokenMaxAge); err != nil {
		return err
	}
	if cfg.UserDataMaxAge, err = seconds(lookup, "USER_DATA_MAX_AGE", cfg.UserDataMaxAge); err != nil {
		return err
	}
	if cfg.RefreshTimeout, err = duration(lookup, "REFRESH_TIMEOUT", cfg.RefreshTimeout); err != nil {
		return err
	}
	if cfg.ProxyTimeout, err = duration(lookup, "PROXY_TIMEOUT", cfg.ProxyTimeout); err != nil {
		return err
	}
	if cfg.RefreshGrace, err = duration(lookup, "REFRESH_GRACE", cfg.RefreshGrace); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) IsDevelopment() bool {
	return strings.EqualFold(cfg.Environment, "development") || strings.EqualFold(cfg.Environment, "dev")
}

// SecureCookies reports whether cookies carry the Secure attribute.
func (cfg *Config) SecureCookies() bool {
	return !cfg.IsDevelopment()
}

func (cfg *Config) Validate() error {
	if err := validURL("API_URL", cfg.BackendURL); err != nil {
		return err
	}
	if err := validURL("PUBLIC_API_URL", cfg.ProxyURL); err != nil {
		return err
	}
	if cfg.RendererURL != "" {
		if err := validURL("RENDERER_URL", cfg.RendererURL); err != nil {
			return err
		}
	}
	if cfg.AccessTokenMaxAge <= 0 || cfg.RefreshTokenMaxAge <= 0 || cfg.UserDataMaxAge <= 0 {
		return errors.New("config: cookie max-age values must be positive")
	}
	if cfg.RefreshTimeout <= 0 || cfg.ProxyTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if cfg.RefreshGrace < 0 {
		return errors.New("config: REFRESH_GRACE must not be negative")
	}
	if len(cfg.Locales) == 0 {
		return errors.New("config: at least one locale is required")
	}
	return nil
}

func validURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s is not a valid URL, %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL, got %q", name, raw)
	}
	return nil
}

// seconds parses integer seconds, the format the cookie max-age settings use.
func seconds(lookup lookupFunc, key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number of seconds, %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

func duration(lookup lookupFunc, key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration, %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
