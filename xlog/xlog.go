// Package xlog provides the structured, leveled logger used across the
// control plane, mirroring the call shape of the teacher's log.Logger
// (Info/Warn/Error with alternating key/value context) over the
// standard library's slog handler rather than a bespoke formatter.
package xlog

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the interface every package in this module logs through.
// Components hold one and never import log/slog directly, so swapping
// the handler (e.g. to a test-capturing one) never touches call sites.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

const levelTrace = slog.Level(-8)

type logger struct {
	h    *slog.Logger
	args []interface{}
}

// New returns a Logger writing JSON lines to os.Stderr, the teacher's
// default handler target.
func New() Logger {
	return &logger{h: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelTrace}))}
}

// NewNop returns a Logger that discards everything, used by tests. A
// nil logger passed to image.NewClient is replaced by New, not NewNop.
func NewNop() Logger {
	return &logger{h: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 100}))}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (l *logger) with(args []interface{}) []interface{} {
	if len(l.args) == 0 {
		return args
	}
	return append(append([]interface{}{}, l.args...), args...)
}

func (l *logger) Trace(msg string, ctx ...interface{}) {
	l.h.Log(context.Background(), levelTrace, msg, l.with(ctx)...)
}
func (l *logger) Debug(msg string, ctx ...interface{}) {
	l.h.Debug(msg, l.with(ctx)...)
}
func (l *logger) Info(msg string, ctx ...interface{}) {
	l.h.Info(msg, l.with(ctx)...)
}
func (l *logger) Warn(msg string, ctx ...interface{}) {
	l.h.Warn(msg, l.with(ctx)...)
}
func (l *logger) Error(msg string, ctx ...interface{}) {
	l.h.Error(msg, l.with(ctx)...)
}

// Crit logs at error level and terminates the process, matching the
// teacher's log.Crit semantics for unrecoverable invariant violations
// (a corrupt on-disk image context, a metadata decode that cannot be
// trusted any further).
func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.h.Error(msg, l.with(ctx)...)
	os.Exit(1)
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{h: l.h, args: l.with(ctx)}
}
