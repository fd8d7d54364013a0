// Package logging configures structured JSON logging for the sale service.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog handler as the process default and returns the
// service logger. Every line carries the service name, plus the environment
// when one is set, so sale daemons from several deployments can share one log
// collector. The standard library logger is bridged into the same stream.
func Setup(service, env string) *slog.Logger {
	return setup(os.Stdout, service, env, true)
}

func setup(out io.Writer, service, env string, install bool) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		ReplaceAttr: renameCoreKeys,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}

	base := slog.New(handler).With(args...)
	if install {
		slog.SetDefault(base)
		// Route the stdlib logger through the same handler so packages that
		// still call log.Printf land in the collector too.
		bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
		bridge.SetFlags(0)
		log.SetOutput(bridge.Writer())
		log.SetFlags(0)
		log.SetPrefix("")
	}
	return base
}

// renameCoreKeys maps slog's default keys onto the collector's field names:
// timestamp, severity (upper-cased), and message.
func renameCoreKeys(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		return slog.Attr{Key: "timestamp", Value: attr.Value}
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		return slog.Attr{Key: "message", Value: attr.Value}
	}
	return attr
}
