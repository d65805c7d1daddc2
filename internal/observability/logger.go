// Package observability owns the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op logger until one
// of the Init functions runs.
var CLILogger = zap.NewNop()

// LoggerOptions configures InitCLILoggerWithOptions.
type LoggerOptions struct {
	// Name is attached to every entry as the "service" field.
	Name string

	// Verbose lowers the level to debug.
	Verbose bool

	// Level is one of debug, info, warn, error. Ignored when Verbose is set.
	Level string

	// Format is "console" (default) or "json".
	Format string

	// File, when set, tees JSON entries into a rotating log file.
	File string

	// MaxSizeMB, MaxBackups and MaxAgeDays bound the rotating file.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitCLILogger initialises CLILogger with console output on stderr.
func InitCLILogger(name string, verbose bool) {
	CLILogger = NewLogger(LoggerOptions{Name: name, Verbose: verbose})
}

// InitCLILoggerWithOptions initialises CLILogger from opts.
func InitCLILoggerWithOptions(opts LoggerOptions) {
	CLILogger = NewLogger(opts)
}

// NewLogger builds a logger without touching CLILogger.
func NewLogger(opts LoggerOptions) *zap.Logger {
	level := parseLevel(opts.Level)
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if strings.EqualFold(opts.Format, "json") {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		humanCfg := encCfg
		humanCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		humanCfg.TimeKey = ""
		humanCfg.CallerKey = ""
		consoleEnc = zapcore.NewConsoleEncoder(humanCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	if strings.TrimSpace(opts.File) != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if opts.Name != "" {
		logger = logger.With(zap.String("service", opts.Name))
	}
	return logger
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil || s == "" {
		return zapcore.InfoLevel
	}
	return lvl
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
