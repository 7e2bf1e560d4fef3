// Package logger configures the process-wide slog logger and keeps
// counters of the warnings and errors written through it.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Levels beyond the four slog defines.
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelFatal slog.Level = slog.LevelError + 4
)

// Output formats accepted by Options.Format.
const (
	FormatJSON = "json"
	FormatText = "text"
)

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"TRACE":   LevelTrace,
	"DEBUG":   slog.LevelDebug,
	"INFO":    slog.LevelInfo,
	"WARN":    slog.LevelWarn,
	"WARNING": slog.LevelWarn,
	"ERROR":   slog.LevelError,
	"FATAL":   LevelFatal,
}

var (
	Logger = slog.Default()

	minLevel   = new(slog.LevelVar)
	sampleRate atomic.Int32
	flush      func(context.Context) error
)

// Counters for the health endpoint, incremented regardless of sampling.
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total404Errors atomic.Int64
)

// Options configures Setup.
type Options struct {
	Level       string
	Format      string
	SampleRate  int
	OtelEnabled bool
	ServiceName string
	// Output defaults to stdout. Ignored when OTEL is enabled.
	Output io.Writer
}

// Setup installs the process logger and returns it. With OTEL enabled,
// records are exported over OTLP/gRPC; if the exporter cannot be built
// Setup falls back to JSON on Output.
func Setup(ctx context.Context, opts Options) *slog.Logger {
	level, err := ParseLevel(opts.Level)
	minLevel.Set(level)
	sampleRate.Store(int32(max(opts.SampleRate, 1)))

	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	var handler slog.Handler
	if opts.OtelEnabled {
		service := opts.ServiceName
		if service == "" {
			service = "programrules"
		}
		h, provider, otelErr := newOTELHandler(ctx, service)
		if otelErr == nil {
			handler = leveled{Handler: h, min: minLevel}
			flush = provider.Shutdown
		} else {
			fmt.Fprintf(os.Stderr, "OTEL log export unavailable, writing JSON instead: %v\n", otelErr)
			opts.Format = FormatJSON
		}
	}
	if handler == nil {
		handler = newStreamHandler(opts.Output, opts.Format)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
	if err != nil {
		Logger.Warn("invalid log level, using info", "level", opts.Level)
	}
	return Logger
}

func newStreamHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: minLevel}
	if strings.EqualFold(format, FormatText) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func newOTELHandler(ctx context.Context, service string) (slog.Handler, *sdklog.LoggerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to describe service resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return otelslog.NewHandler(service, otelslog.WithLoggerProvider(provider)), provider, nil
}

// leveled drops records below min before they reach the OTEL bridge,
// which has no level option of its own.
type leveled struct {
	slog.Handler
	min slog.Leveler
}

func (h leveled) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min.Level() && h.Handler.Enabled(ctx, level)
}

func (h leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h leveled) WithGroup(name string) slog.Handler {
	return leveled{Handler: h.Handler.WithGroup(name), min: h.min}
}

// Shutdown flushes pending OTEL records. Without OTEL it does nothing.
func Shutdown(ctx context.Context) error {
	if flush == nil {
		return nil
	}
	return flush(ctx)
}

// SetLevel changes the minimum level at runtime.
func SetLevel(level slog.Level) { minLevel.Set(level) }

// GetLevel returns the minimum level.
func GetLevel() slog.Level { return minLevel.Level() }

// ParseLevel maps a level name, case-insensitively, to its slog level.
// Unknown names yield info and an error.
func ParseLevel(name string) (slog.Level, error) {
	if level, ok := levelNames[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// sampled keeps one in every sampleRate warnings or errors.
func sampled() bool {
	rate := sampleRate.Load()
	return rate <= 1 || rand.Int31n(rate) == 0
}

// Warn counts a warning and writes it if sampled.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error counts an error and writes it if sampled.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Fatal writes msg at fatal level, flushes and exits the process.
func Fatal(msg string, args ...any) {
	ctx := context.Background()
	Logger.Log(ctx, LevelFatal, msg, args...)
	_ = Shutdown(ctx)
	os.Exit(1)
}

// CountResponse updates the HTTP counters for a response status.
// Statuses below 400 are ignored.
func CountResponse(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
		TotalErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
		TotalWarnings.Add(1)
		if status == http.StatusNotFound {
			Total404Errors.Add(1)
		}
	}
}
