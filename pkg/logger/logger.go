package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process-wide logger. Zero value logs JSON at info to stderr.
type Options struct {
	Level      string // debug|info|warn|error
	File       string // optional rotating file, in addition to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Service    string
}

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	base  = newZap(Options{}, level)
)

func newZap(o Options, lvl zap.AtomicLevel) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if o.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    nonZero(o.MaxSizeMB, 100),
			MaxBackups: nonZero(o.MaxBackups, 5),
			MaxAge:     nonZero(o.MaxAgeDays, 14),
			Compress:   true,
		}))
	}
	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), lvl)
	l := zap.New(core)
	if o.Service != "" {
		l = l.With(zap.String("service", o.Service))
	}
	return l
}

func nonZero(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Init replaces the process logger. Safe to call once at startup.
func Init(o Options) {
	SetLevel(o.Level)
	l := newZap(o, level)
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
}

// SetLevel adjusts the minimum level; unknown names fall back to info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
}

// L returns the underlying zap logger for callers that need typed fields.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Sync() error { return L().Sync() }

func Debug(msg string) { L().Debug(msg) }
func Info(msg string)  { L().Info(msg) }
func Warn(msg string)  { L().Warn(msg) }
func Error(msg string) { L().Error(msg) }

// InfoJ logs a structured event; fields are emitted in key order so lines diff cleanly.
func InfoJ(event string, fields map[string]any)  { L().Info(event, toFields(event, fields)...) }
func WarnJ(event string, fields map[string]any)  { L().Warn(event, toFields(event, fields)...) }
func ErrorJ(event string, fields map[string]any) { L().Error(event, toFields(event, fields)...) }
func DebugJ(event string, fields map[string]any) { L().Debug(event, toFields(event, fields)...) }

func toFields(event string, m map[string]any) []zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(m)+1)
	out = append(out, zap.String("event", event))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}
