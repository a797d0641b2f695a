package logger

import (
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel constants accepted in daemon.log_level
const (
	LogLevelError = "error"
	LogLevelWarn  = "warning"
	LogLevelInfo  = "info"
	LogLevelDebug = "debug"
)

var (
	mu           sync.RWMutex
	sugar        = zap.NewNop().Sugar()
	debugEnabled bool
)

// ParseLevel maps a config level string to a zap level. Empty defaults to
// info; "warn" and "warning" are both accepted; "trace" maps to debug.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	case LogLevelWarn, "warn":
		return zapcore.WarnLevel, nil
	case LogLevelDebug, "trace":
		return zapcore.DebugLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// Init builds the process-wide logger at the given level, redirects the
// standard library logger into it and hooks the paho internal loggers.
// Calling it again replaces the previous logger (used by tests).
func Init(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	sugar = base.Sugar()
	debugEnabled = lvl <= zapcore.DebugLevel
	mu.Unlock()

	zap.ReplaceGlobals(base)
	zap.RedirectStdLog(base)

	mqtt.ERROR = &MQTTAdapter{level: zapcore.ErrorLevel}
	mqtt.CRITICAL = &MQTTAdapter{level: zapcore.ErrorLevel}
	mqtt.WARN = &MQTTAdapter{level: zapcore.WarnLevel}
	if debugEnabled {
		mqtt.DEBUG = &MQTTAdapter{level: zapcore.DebugLevel}
	}

	return nil
}

// L returns the current process logger.
func L() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Named returns a child logger for a component ("cloud", "auth", ...).
func Named(name string) *zap.SugaredLogger {
	return L().Named(name)
}

// SetLogger replaces the process logger. Tests inject zaptest loggers here.
func SetLogger(l *zap.SugaredLogger) {
	mu.Lock()
	sugar = l
	debugEnabled = l.Desugar().Core().Enabled(zapcore.DebugLevel)
	mu.Unlock()
}

// Sync flushes buffered log output. Called on shutdown.
func Sync() {
	_ = L().Sync()
}

func LogError(format string, args ...interface{}) {
	L().Errorf("❌ "+format, args...)
}

func LogWarn(format string, args ...interface{}) {
	L().Warnf("⚠️ "+format, args...)
}

func LogInfo(format string, args ...interface{}) {
	L().Infof("ℹ️ "+format, args...)
}

func LogDebug(format string, args ...interface{}) {
	L().Debugf("🔧 "+format, args...)
}

// IsDebugEnabled reports whether debug logging is active; callers use it to
// skip expensive hex dumps.
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugEnabled
}

// MQTTAdapter implements mqtt.Logger so paho internals log through zap.
type MQTTAdapter struct {
	level zapcore.Level
}

func (a *MQTTAdapter) Println(v ...interface{}) {
	a.log(fmt.Sprintln(v...))
}

func (a *MQTTAdapter) Printf(format string, v ...interface{}) {
	a.log(fmt.Sprintf(format, v...))
}

func (a *MQTTAdapter) log(msg string) {
	msg = strings.TrimSuffix(msg, "\n")
	switch a.level {
	case zapcore.ErrorLevel:
		L().Errorf("paho: %s", msg)
	case zapcore.WarnLevel:
		L().Warnf("paho: %s", msg)
	default:
		L().Debugf("paho: %s", msg)
	}
}
