package config

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sells-group/quote-monitor/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Alerts  AlertConfig   `yaml:"alerts" mapstructure:"alerts"`
}

// MonitorConfig configures fetching, pacing and the data directory.
type MonitorConfig struct {
	DataDir          string                `yaml:"data_dir" mapstructure:"data_dir"`
	APIsFile         string                `yaml:"apis_file" mapstructure:"apis_file"`
	APIs             []model.APIDescriptor `yaml:"apis" mapstructure:"apis"`
	UTCOffset        string                `yaml:"utc_offset" mapstructure:"utc_offset"`
	MaxRetries       int                   `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseMs    int                   `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	MinDelayMs       int                   `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	MaxDelayMs       int                   `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	DefaultPageSize  int                   `yaml:"default_page_size" mapstructure:"default_page_size"`
	CycleTimeoutSecs int                   `yaml:"cycle_timeout_secs" mapstructure:"cycle_timeout_secs"`
	Concurrency      int                   `yaml:"concurrency" mapstructure:"concurrency"`
	UserAgent        string                `yaml:"user_agent" mapstructure:"user_agent"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	StaticDir   string   `yaml:"static_dir" mapstructure:"static_dir"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	QuotesAPI   string   `yaml:"quotes_api" mapstructure:"quotes_api"`
}

// StoreConfig configures the run log backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AlertConfig configures the background health checker.
type AlertConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PageLossThreshold    float64 `yaml:"page_loss_threshold" mapstructure:"page_loss_threshold"`
	StaleAfterMins       int     `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// LogConfig configures logging. When File is set, logs are also written to
// a rotating file.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUOTEMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("monitor.data_dir", "data")
	v.SetDefault("monitor.apis_file", "config/apis.yaml")
	v.SetDefault("monitor.utc_offset", "+08:00")
	v.SetDefault("monitor.max_retries", 3)
	v.SetDefault("monitor.backoff_base_ms", 1000)
	v.SetDefault("monitor.min_delay_ms", 100)
	v.SetDefault("monitor.max_delay_ms", 1000)
	v.SetDefault("monitor.default_page_size", 20)
	v.SetDefault("monitor.cycle_timeout_secs", 1800)
	v.SetDefault("monitor.concurrency", 2)
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.static_dir", "web/dist")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.quotes_api", "EastmoneyStockData")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "quote-monitor.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.check_interval_secs", 300)
	v.SetDefault("alerts.lookback_window_hours", 24)
	v.SetDefault("alerts.failure_rate_threshold", 0.2)
	v.SetDefault("alerts.page_loss_threshold", 0.1)
	v.SetDefault("alerts.stale_after_mins", 0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var offsetPattern = regexp.MustCompile(`^(?:UTC|GMT)?([+-])(\d{1,2})(?::?(\d{2}))?$`)

// Location returns the zone used to compute "today" and evaluate cron specs.
// UTCOffset may be a fixed offset such as +08:00 or an IANA zone name.
func (m MonitorConfig) Location() (*time.Location, error) {
	s := strings.TrimSpace(m.UTCOffset)
	if s == "" || s == "Z" || strings.EqualFold(s, "UTC") {
		return time.UTC, nil
	}
	if g := offsetPattern.FindStringSubmatch(s); g != nil {
		h, _ := strconv.Atoi(g[2])
		mins := 0
		if g[3] != "" {
			mins, _ = strconv.Atoi(g[3])
		}
		if h > 14 || mins > 59 {
			return nil, eris.Errorf("config: utc_offset %q out of range", s)
		}
		secs := h*3600 + mins*60
		if g[1] == "-" {
			secs = -secs
		}
		return time.FixedZone("UTC"+g[1]+g[2]+suffix(g[3]), secs), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, eris.Wrapf(err, "config: utc_offset %q", s)
	}
	return loc, nil
}

func suffix(mins string) string {
	if mins == "" || mins == "00" {
		return ""
	}
	return ":" + mins
}

// Millis converts a millisecond setting into a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// CycleTimeout returns the per-cycle bound, 0 when disabled.
func (m MonitorConfig) CycleTimeout() time.Duration {
	if m.CycleTimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(m.CycleTimeoutSecs) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}

	if cfg.File != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(newRotator(cfg)),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}
	zap.ReplaceGlobals(logger)

	return nil
}

func newRotator(cfg LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
}
