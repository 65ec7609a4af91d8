// Package logging configures the process-wide zerolog logger and provides an
// HTTP access log middleware.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
}

var (
	mu         sync.Mutex
	baseWriter io.Writer = os.Stderr

	defaultTimeFmt = time.RFC3339

	isTerminalFn = term.IsTerminal
)

// Init configures zerolog globals and returns the base logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	builder := zerolog.New(selectWriter(cfg.Format, baseWriter)).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}

	log.Logger = builder.Logger()
	return log.Logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string, out io.Writer) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return newConsoleWriter(out)
	case "json":
		return out
	case "auto", "":
		if f, ok := out.(*os.File); ok && isTerminalFn(int(f.Fd())) {
			return newConsoleWriter(out)
		}
		return out
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return out
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

// AccessLog logs one line per request with the chi request id, status and
// duration. Server errors are logged at error level.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := logger.Info()
			if status >= http.StatusInternalServerError {
				event = logger.Error()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
