package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds case-scoped logging context threaded through bus
// handlers and section workers.
type LogContext struct {
	TraceID   string
	SpanID    string
	CaseID    string
	Address   string // subsystem address doing the work
	SignalID  string // signal being handled, if any
	Section   string // section in scope, if any
	StartTime time.Time
}

// WithContext returns a new context carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext, or nil when absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a case and subsystem address.
func NewLogContext(caseID, address string) *LogContext {
	return &LogContext{CaseID: caseID, Address: address, StartTime: time.Now()}
}

// Clone copies the LogContext. A nil receiver clones to nil.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithSignal returns a copy with the signal ID set.
func (lc *LogContext) WithSignal(signalID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.SignalID = signalID
	}
	return c
}

// WithSection returns a copy with the section set.
func (lc *LogContext) WithSection(section string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Section = section
	}
	return c
}

// WithTrace returns a copy with trace identifiers set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns milliseconds since StartTime, or 0 when unset.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
