// Package observability carries the telemetry stack: zap logging with an
// in-memory ring for the recent-logs route, a Prometheus collector, a
// latency window for the stats route, and the optional OTLP tracer.
package observability

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ragserve/internal/config"
)

// ============================================================================
// LOGGER
// ============================================================================

// NewLogger builds the process logger. Development deployments get the
// console encoder at debug-friendly settings; everything else logs JSON.
// All entries at Info and above are mirrored into the returned ring so the
// recent-logs route can serve them without touching disk.
func NewLogger(cfg *config.Config) (*zap.Logger, *LogRing, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	if cfg.Server.Debug && level > zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}

	var base zap.Config
	if cfg.IsDevelopment() {
		base = zap.NewDevelopmentConfig()
	} else {
		base = zap.NewProductionConfig()
		base.EncoderConfig.TimeKey = "ts"
		base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	base.Level = zap.NewAtomicLevelAt(level)

	logger, err := base.Build()
	if err != nil {
		return nil, nil, err
	}

	ring := NewLogRing(cfg.Logging.RingSize)
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, ring.Core(zapcore.InfoLevel))
	}))
	return logger, ring, nil
}

// ============================================================================
// LOG RING
// ============================================================================

// LogEntry is one captured record, already flattened for the JSON envelope.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Logger  string    `json:"logger"`
	Message string    `json:"message"`
}

// LogRing keeps the most recent entries in a fixed circular buffer.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogRing builds a ring holding up to size entries.
func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = 500
	}
	return &LogRing{entries: make([]LogEntry, size)}
}

func (r *LogRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit entries, newest first.
func (r *LogRing) Recent(limit int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]LogEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// Core adapts the ring into a zapcore sink at the given threshold, for
// tee-ing onto any logger.
func (r *LogRing) Core(minLevel zapcore.Level) zapcore.Core {
	return &ringCore{ring: r, LevelEnabler: minLevel}
}

type ringCore struct {
	zapcore.LevelEnabler
	ring *LogRing
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	// fields are dropped; the ring keeps messages only
	return c
}

func (c *ringCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *ringCore) Write(entry zapcore.Entry, _ []zapcore.Field) error {
	c.ring.add(LogEntry{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Logger:  entry.LoggerName,
		Message: entry.Message,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }
