// This package defines a common config struct which can be used by any subsystem within seal.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug   bool
	RootDir string

	// outbound group session rotation policy
	RotationMessageCount uint32
	RotationPeriodMs     uint64

	// verification request timeouts
	VerificationTimeoutMs        uint64
	VerificationReceiptTimeoutMs uint64
	VerificationSafetyMarginMs   uint64

	// one-time key claim fan-out
	KeyClaimFirstPassTimeoutMs  uint64
	KeyClaimSecondPassTimeoutMs uint64

	// backup activity
	UploadBatchSize      int
	UploadMaxBackoffMs   uint64
	DownloadBackoffMs    uint64
	MissingKeySuppressMs uint64
	PendingEventCap      int

	LoggingPrefix string
	writer        io.Writer
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

func WithRotationMessageCount(n uint32) Option {
	return func(c *Config) {
		c.RotationMessageCount = n
	}
}

func WithRotationPeriodMs(n uint64) Option {
	return func(c *Config) {
		c.RotationPeriodMs = n
	}
}

func WithVerificationTimeoutMs(n uint64) Option {
	return func(c *Config) {
		c.VerificationTimeoutMs = n
	}
}

func WithVerificationReceiptTimeoutMs(n uint64) Option {
	return func(c *Config) {
		c.VerificationReceiptTimeoutMs = n
	}
}

func WithKeyClaimTimeoutsMs(first, second uint64) Option {
	return func(c *Config) {
		c.KeyClaimFirstPassTimeoutMs = first
		c.KeyClaimSecondPassTimeoutMs = second
	}
}

func WithUploadBatchSize(n int) Option {
	return func(c *Config) {
		c.UploadBatchSize = n
	}
}

func WithUploadMaxBackoffMs(n uint64) Option {
	return func(c *Config) {
		c.UploadMaxBackoffMs = n
	}
}

func WithDownloadBackoffMs(n uint64) Option {
	return func(c *Config) {
		c.DownloadBackoffMs = n
	}
}

func WithMissingKeySuppressMs(n uint64) Option {
	return func(c *Config) {
		c.MissingKeySuppressMs = n
	}
}

func WithPendingEventCap(n int) Option {
	return func(c *Config) {
		c.PendingEventCap = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                        os.Getenv("DEBUG") == "1",
		RootDir:                      ".",
		RotationMessageCount:         100,
		RotationPeriodMs:             7 * 24 * 3600 * 1000,
		VerificationTimeoutMs:        600000,
		VerificationReceiptTimeoutMs: 120000,
		VerificationSafetyMarginMs:   3000,
		KeyClaimFirstPassTimeoutMs:   10000,
		KeyClaimSecondPassTimeoutMs:  30000,
		UploadBatchSize:              100,
		UploadMaxBackoffMs:           300000,
		DownloadBackoffMs:            5000,
		MissingKeySuppressMs:         600000,
		PendingEventCap:              1000,
		LoggingPrefix:                "",

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
