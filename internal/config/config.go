// Package config loads application configuration from environment variables,
// an optional .env file and an optional YAML policy file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/zonepoll/internal/adapter/driven/tado"
	"github.com/ericfisherdev/zonepoll/internal/application"
)

const envPrefix = "ZONEPOLL_"

// Tier is one row of the interval table as written in the YAML file.
type Tier struct {
	Limit int           `yaml:"limit"`
	Day   time.Duration `yaml:"day"`
	Night time.Duration `yaml:"night"`
}

// fileConfig is the shape of the ZONEPOLL_CONFIG YAML file. Environment
// variables take precedence over any value set here.
type fileConfig struct {
	DayStartHour     *int          `yaml:"day_start_hour"`
	NightStartHour   *int          `yaml:"night_start_hour"`
	DayInterval      time.Duration `yaml:"day_interval"`
	NightInterval    time.Duration `yaml:"night_interval"`
	FullSyncInterval time.Duration `yaml:"full_sync_interval"`
	RetentionDays    *int          `yaml:"retention_days"`
	SafetyMargin     *int          `yaml:"safety_margin"`
	LimitPolicy      string        `yaml:"limit_policy"`
	Tiers            []Tier        `yaml:"tiers"`
}

// Config holds the validated application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	SecretKey  []byte // 32 bytes, or nil when ZONEPOLL_SECRET_KEY is unset.

	ClientID    string
	APIBaseURL  string
	AuthBaseURL string
	HomeID      int64 // 0 means discover via /me.

	DayStartHour     int
	NightStartHour   int
	DayInterval      time.Duration // 0 means use the tier table.
	NightInterval    time.Duration // 0 means use the tier table.
	FullSyncInterval time.Duration
	Tiers            []Tier

	RetentionDays int
	SafetyMargin  int
	TokenMargin   time.Duration
	LimitPolicy   application.LimitPolicy
	HTTPCache     bool
	LogLevel      slog.Level
}

// Load reads configuration and returns a validated Config.
//
// A .env file in the working directory is loaded first without overriding
// variables already set. ZONEPOLL_CONFIG names an optional YAML file holding
// the polling policy. All other settings come from ZONEPOLL_* variables:
// LISTEN_ADDR (127.0.0.1:8080), DB_PATH (zonepoll.db), SECRET_KEY (64 hex
// chars), CLIENT_ID, API_BASE, AUTH_BASE, HOME_ID, DAY_START_HOUR (7),
// NIGHT_START_HOUR (23), DAY_INTERVAL, NIGHT_INTERVAL, FULL_SYNC_INTERVAL (6h),
// RETENTION_DAYS (7), SAFETY_MARGIN (5), TOKEN_MARGIN (30s), LIMIT_POLICY
// (immediate), HTTP_CACHE (true), LOG_LEVEL (info).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	policy := application.DefaultPollingPolicy()
	cfg := &Config{
		ListenAddr:       "127.0.0.1:8080",
		DBPath:           "zonepoll.db",
		ClientID:         tado.DefaultClientID,
		APIBaseURL:       tado.DefaultAPIBaseURL,
		AuthBaseURL:      tado.DefaultAuthBaseURL,
		DayStartHour:     policy.DayStartHour,
		NightStartHour:   policy.NightStartHour,
		FullSyncInterval: policy.FullSyncEvery,
		RetentionDays:    application.DefaultRetentionDays,
		SafetyMargin:     application.DefaultSafetyMargin,
		TokenMargin:      application.DefaultTokenMargin,
		LimitPolicy:      application.LimitPolicyImmediate,
		HTTPCache:        true,
		LogLevel:         slog.LevelInfo,
	}
	for _, tier := range policy.Table {
		cfg.Tiers = append(cfg.Tiers, Tier{Limit: tier.Limit, Day: tier.Day, Night: tier.Night})
	}

	if path, ok := lookup("CONFIG"); ok && path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PollingPolicy builds the scheduler policy from the loaded settings.
func (c *Config) PollingPolicy() application.PollingPolicy {
	table := make(application.IntervalTable, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		table = append(table, application.IntervalTier{Limit: t.Limit, Day: t.Day, Night: t.Night})
	}
	return application.PollingPolicy{
		DayStartHour:   c.DayStartHour,
		NightStartHour: c.NightStartHour,
		Table:          table,
		DayOverride:    c.DayInterval,
		NightOverride:  c.NightInterval,
		FullSyncEvery:  c.FullSyncInterval,
	}
}

// OAuth returns the token endpoint settings derived from AuthBaseURL.
func (c *Config) OAuth() application.OAuthConfig {
	base := strings.TrimRight(c.AuthBaseURL, "/")
	return application.OAuthConfig{
		TokenURL:  base + "/token",
		DeviceURL: base + "/device_authorize",
		ClientID:  c.ClientID,
		Scope:     tado.DefaultScope,
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%sCONFIG: read %s: %w", envPrefix, path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("%sCONFIG: parse %s: %w", envPrefix, path, err)
	}

	if fc.DayStartHour != nil {
		c.DayStartHour = *fc.DayStartHour
	}
	if fc.NightStartHour != nil {
		c.NightStartHour = *fc.NightStartHour
	}
	if fc.DayInterval != 0 {
		c.DayInterval = fc.DayInterval
	}
	if fc.NightInterval != 0 {
		c.NightInterval = fc.NightInterval
	}
	if fc.FullSyncInterval != 0 {
		c.FullSyncInterval = fc.FullSyncInterval
	}
	if fc.RetentionDays != nil {
		c.RetentionDays = *fc.RetentionDays
	}
	if fc.SafetyMargin != nil {
		c.SafetyMargin = *fc.SafetyMargin
	}
	if fc.LimitPolicy != "" {
		c.LimitPolicy = application.LimitPolicy(fc.LimitPolicy)
	}
	if len(fc.Tiers) > 0 {
		c.Tiers = fc.Tiers
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookup("LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := lookup("DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := lookup("CLIENT_ID"); ok && v != "" {
		c.ClientID = v
	}
	if v, ok := lookup("API_BASE"); ok && v != "" {
		c.APIBaseURL = v
	}
	if v, ok := lookup("AUTH_BASE"); ok && v != "" {
		c.AuthBaseURL = v
	}

	// Optional. When absent, SecretKey stays nil and the credential store
	// refuses to read or write tokens.
	if v, ok := lookup("SECRET_KEY"); ok && v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return fmt.Errorf("%sSECRET_KEY must be hex-encoded: %w", envPrefix, err)
		}
		if len(key) != 32 {
			return fmt.Errorf("%sSECRET_KEY must be 64 hex chars (32 bytes), got %d bytes", envPrefix, len(key))
		}
		c.SecretKey = key
	}

	if v, ok := lookup("HOME_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sHOME_ID has invalid value %q: %w", envPrefix, v, err)
		}
		c.HomeID = id
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DAY_START_HOUR", &c.DayStartHour},
		{"NIGHT_START_HOUR", &c.NightStartHour},
		{"RETENTION_DAYS", &c.RetentionDays},
		{"SAFETY_MARGIN", &c.SafetyMargin},
	}
	for _, f := range ints {
		if err := envInt(f.key, f.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DAY_INTERVAL", &c.DayInterval},
		{"NIGHT_INTERVAL", &c.NightInterval},
		{"FULL_SYNC_INTERVAL", &c.FullSyncInterval},
		{"TOKEN_MARGIN", &c.TokenMargin},
	}
	for _, f := range durations {
		if err := envDuration(f.key, f.dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("LIMIT_POLICY"); ok && v != "" {
		c.LimitPolicy = application.LimitPolicy(strings.ToLower(v))
	}

	if v, ok := lookup("HTTP_CACHE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sHTTP_CACHE has invalid value %q: %w", envPrefix, v, err)
		}
		c.HTTPCache = b
	}

	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sLOG_LEVEL has invalid value %q: %w", envPrefix, v, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.DayStartHour < 0 || c.DayStartHour > 23 {
		return fmt.Errorf("day start hour must be 0-23, got %d", c.DayStartHour)
	}
	if c.NightStartHour < 0 || c.NightStartHour > 23 {
		return fmt.Errorf("night start hour must be 0-23, got %d", c.NightStartHour)
	}
	if c.DayInterval < 0 || c.NightInterval < 0 {
		return errors.New("interval overrides must not be negative")
	}
	if c.FullSyncInterval <= 0 {
		return fmt.Errorf("full sync interval must be positive, got %s", c.FullSyncInterval)
	}
	if c.RetentionDays < 0 || c.RetentionDays > application.MaxRetentionDays {
		return fmt.Errorf("retention days must be 0-%d, got %d", application.MaxRetentionDays, c.RetentionDays)
	}
	if c.SafetyMargin < 0 {
		return fmt.Errorf("safety margin must not be negative, got %d", c.SafetyMargin)
	}
	if c.TokenMargin < 0 {
		return fmt.Errorf("token margin must not be negative, got %s", c.TokenMargin)
	}
	switch c.LimitPolicy {
	case application.LimitPolicyImmediate, application.LimitPolicyAtRollover:
	default:
		return fmt.Errorf("limit policy must be %q or %q, got %q",
			application.LimitPolicyImmediate, application.LimitPolicyAtRollover, c.LimitPolicy)
	}
	if err := c.PollingPolicy().Table.Validate(); err != nil {
		return err
	}
	return nil
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s has invalid integer %q: %w", envPrefix, key, v, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s has invalid duration %q: %w", envPrefix, key, v, err)
	}
	*dst = d
	return nil
}
