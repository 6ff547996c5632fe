package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level     string
	Console   bool
	Component string
}

type ctxKey string

const (
	ctxReqIDKey  ctxKey = "request_id"
	ctxJobID     ctxKey = "job_id"
	ctxJobKind   ctxKey = "job_kind"
	ctxComponent ctxKey = "component"
)

// ordered so log lines list fields consistently
var ctxFields = []ctxKey{ctxReqIDKey, ctxJobID, ctxJobKind, ctxComponent}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

// WithRequestID stores reqID on ctx, generating one when it is empty.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return with(ctx, ctxReqIDKey, reqID)
}

func WithJobID(ctx context.Context, id string) context.Context { return with(ctx, ctxJobID, id) }

func WithJobKind(ctx context.Context, kind string) context.Context {
	return with(ctx, ctxJobKind, kind)
}

func WithComponent(ctx context.Context, component string) context.Context {
	return with(ctx, ctxComponent, component)
}

func value(ctx context.Context, k ctxKey) string {
	s, _ := ctx.Value(k).(string)
	return s
}

// JobID returns the job id carried by ctx, if any.
func JobID(ctx context.Context) string { return value(ctx, ctxJobID) }

func RequestID(ctx context.Context) string { return value(ctx, ctxReqIDKey) }

// NewID returns 16 random hex characters.
func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ParseLevel maps a LOG_LEVEL value onto zerolog, falling back to info
// for anything it does not recognise.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Build creates the process logger. The level is applied to the returned
// logger only, so tests can build loggers at different levels side by side.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "msg"

	lc := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Component != "" {
		lc = lc.Str(string(ctxComponent), cfg.Component)
	}
	return lc.Logger()
}

// FromContext returns a child of parent carrying the request and job
// fields stored on ctx. A nil parent yields a discarding logger.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.Nop()
	if parent != nil {
		base = *parent
	}
	lc := base.With()
	for _, k := range ctxFields {
		if s := value(ctx, k); s != "" {
			lc = lc.Str(string(k), s)
		}
	}
	l := lc.Logger()
	return &l
}
