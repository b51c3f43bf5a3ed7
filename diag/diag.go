// Package diag is the process-wide diagnostic channel. It is bound exactly
// once, either to a no-op logger or to a real one, and never changes after
// the first read.
package diag

import (
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EnvVar enables diagnostics when set to a true value at first use.
const EnvVar = "STARBRIDGE_DEBUG"

type channel struct {
	logger  *zap.Logger
	enabled bool

	// alerts is never a no-op. Disabled channels keep only warnings and
	// above from it.
	alerts *zap.Logger
}

func newChannel(on bool, l *zap.Logger) *channel {
	switch {
	case !on:
		return &channel{logger: zap.NewNop(), alerts: alertLogger(l)}
	case l != nil:
		return &channel{logger: l, enabled: true, alerts: l}
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return &channel{logger: zap.NewNop(), alerts: alertLogger(nil)}
	}
	return &channel{logger: l, enabled: true, alerts: l}
}

func alertLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		var err error
		if l, err = zap.NewProduction(); err != nil {
			return zap.NewNop()
		}
	}
	return l.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
}

func (c *channel) log(msg string, fields []zap.Field) {
	if !c.enabled {
		return
	}
	c.logger.Debug(msg, append(fields, Ticks())...)
}

func (c *channel) alert(msg string, fields []zap.Field) {
	c.alerts.Error(msg, append(fields, Ticks())...)
}

var (
	bound    *channel
	bindOnce sync.Once
	start    = time.Now()
)

// Configure binds the channel explicitly. It only has an effect if called
// before the first Enabled, Log or Logger call; it reports whether it won.
func Configure(on bool, l *zap.Logger) bool {
	won := false
	bindOnce.Do(func() {
		won = true
		bound = newChannel(on, l)
	})
	return won
}

func current() *channel {
	bindOnce.Do(func() {
		on, _ := strconv.ParseBool(os.Getenv(EnvVar))
		bound = newChannel(on, nil)
	})
	return bound
}

// Enabled reports whether diagnostics are on. Fixed for the process lifetime.
func Enabled() bool {
	return current().enabled
}

// Logger returns the bound logger, a no-op logger when disabled.
func Logger() *zap.Logger {
	return current().logger
}

// Log writes a debug message. When disabled it costs one branch.
func Log(msg string, fields ...zap.Field) {
	current().log(msg, fields)
}

// Warn writes a warning when diagnostics are enabled.
func Warn(msg string, fields ...zap.Field) {
	c := current()
	if !c.enabled {
		return
	}
	c.logger.Warn(msg, append(fields, Ticks())...)
}

// Alert reports a programming error such as a capsule lifecycle violation.
// It is written whether or not diagnostics are enabled.
func Alert(msg string, fields ...zap.Field) {
	current().alert(msg, fields)
}

// Ticks is the monotonic time since process start, attached to every entry.
func Ticks() zap.Field {
	return zap.Duration("ticks", time.Since(start))
}
