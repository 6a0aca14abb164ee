package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json or text
	Output      string // stdout, stderr or a file path (rotated)
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Development bool
}

// Logger wraps zap with a sugared twin for printf-style calls.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalMu     sync.RWMutex
	globalLogger = &Logger{Logger: zap.NewNop(), sugar: zap.NewNop().Sugar()}
)

// InitLogger builds a logger from cfg. Unknown levels fall back to info and
// unwritable outputs fall back to stderr.
func InitLogger(cfg LogConfig) *Logger {
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}

	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, writerFor(cfg), parseLevel(cfg.Level))
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	z := zap.New(core, opts...)
	return &Logger{Logger: z, sugar: z.Sugar()}
}

func writerFor(cfg LogConfig) zapcore.WriteSyncer {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	_ = f.Close()
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		Compress:   true,
	})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sugar returns the printf-style logger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(name string) *Logger {
	z := l.Logger.Named(name)
	return &Logger{Logger: z, sugar: z.Sugar()}
}

// InitGlobalLogger builds a logger and installs it process-wide.
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger replaces the process-wide logger. nil is ignored.
func SetGlobalLogger(l *Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// L returns the process-wide logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Named returns a component logger derived from the global one.
func Named(name string) *zap.Logger { return L().Logger.Named(name) }

func Sync() error { return L().Logger.Sync() }

func Debugf(format string, args ...any) { L().sugar.Debugf(format, args...) }
func Infof(format string, args ...any)  { L().sugar.Infof(format, args...) }
func Warnf(format string, args ...any)  { L().sugar.Warnf(format, args...) }
func Errorf(format string, args ...any) { L().sugar.Errorf(format, args...) }
func Fatalf(format string, args ...any) { L().sugar.Fatalf(format, args...) }
