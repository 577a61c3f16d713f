// This package defines a common config struct which can be used by any subsystem within lagoon.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// Archive synchronization tunables. MessageRetentionMs of zero means
	// messages are kept forever and queries have no retention floor.
	MaxCatchupWindowMs int64 `toml:"max_catchup_window_ms"`
	PageSize           int   `toml:"page_size"`
	MaxTotalMessages   int   `toml:"max_total_messages"`
	MessageRetentionMs int64 `toml:"message_retention_ms"`

	// Liveness tunables. Intervals and timeouts are in seconds to match
	// the granularity of OS alarm scheduling.
	PingMinIntervalSec   int64 `toml:"ping_min_interval_sec"`
	PingMaxIntervalSec   int64 `toml:"ping_max_interval_sec"`
	PingTimeoutSec       int64 `toml:"ping_timeout_sec"`
	LowPingTimeoutSec    int64 `toml:"low_ping_timeout_sec"`
	ConnectTimeoutSec    int64 `toml:"connect_timeout_sec"`
	NotificationGraceSec int64 `toml:"notification_grace_sec"`
	ReconnectMinDelayMs  int64 `toml:"reconnect_min_delay_ms"`
	ReconnectMaxDelayMs  int64 `toml:"reconnect_max_delay_ms"`
	AggressiveMaxDelayMs int64 `toml:"aggressive_max_delay_ms"`
	RestoreWaitTimeoutMs int64 `toml:"restore_wait_timeout_ms"`

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

func (c Config) MaxCatchupWindow() time.Duration {
	return time.Duration(c.MaxCatchupWindowMs) * time.Millisecond
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxCatchupWindowMs(n int64) Option {
	return func(c *Config) {
		c.MaxCatchupWindowMs = n
	}
}

func WithPageSize(n int) Option {
	return func(c *Config) {
		c.PageSize = n
	}
}

func WithMaxTotalMessages(n int) Option {
	return func(c *Config) {
		c.MaxTotalMessages = n
	}
}

func WithMessageRetentionMs(n int64) Option {
	return func(c *Config) {
		c.MessageRetentionMs = n
	}
}

func WithPingIntervalsSec(min, max int64) Option {
	return func(c *Config) {
		c.PingMinIntervalSec = min
		c.PingMaxIntervalSec = max
	}
}

func WithPingTimeoutsSec(normal, low int64) Option {
	return func(c *Config) {
		c.PingTimeoutSec = normal
		c.LowPingTimeoutSec = low
	}
}

func WithConnectTimeoutSec(n int64) Option {
	return func(c *Config) {
		c.ConnectTimeoutSec = n
	}
}

func WithRestoreWaitTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RestoreWaitTimeoutMs = n
	}
}

func WithReconnectDelaysMs(min, max int64) Option {
	return func(c *Config) {
		c.ReconnectMinDelayMs = min
		c.ReconnectMaxDelayMs = max
	}
}

// WithFile layers values from a TOML file over the defaults. Unknown keys are
// rejected so a typo in a deployed config surfaces at startup rather than
// silently falling back to a default.
func WithFile(path string) Option {
	return func(c *Config) {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			panic(fmt.Sprintf("config: error loading %s: %v", path, err))
		}
		if undecoded := meta.Undecoded(); len(undecoded) != 0 {
			panic(fmt.Sprintf("config: unknown keys in %s: %v", path, undecoded))
		}
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		LoggingPrefix: "",
		RootDir:       ".",

		MaxCatchupWindowMs: 14 * 24 * 60 * 60 * 1000,
		PageSize:           50,
		MaxTotalMessages:   1500,

		PingMinIntervalSec:   30,
		PingMaxIntervalSec:   300,
		PingTimeoutSec:       15,
		LowPingTimeoutSec:    1,
		ConnectTimeoutSec:    90,
		NotificationGraceSec: 5,
		ReconnectMinDelayMs:  2000,
		ReconnectMaxDelayMs:  300000,
		AggressiveMaxDelayMs: 60000,
		RestoreWaitTimeoutMs: 10000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
