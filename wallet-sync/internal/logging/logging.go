// Package logging configures the process-wide logrus logger and provides the
// per-component entries and HTTP request logging used across the service.
package logging

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Setup configures the standard logger. format is "json" or "text"; unknown
// levels fall back to info.
func Setup(level, format string, out io.Writer) *log.Logger {
	logger := log.StandardLogger()
	if out != nil {
		logger.SetOutput(out)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// For returns an entry tagged with the component name.
func For(component string) *log.Entry {
	return log.WithField("component", component)
}

// OrDefault returns entry, or a component entry on the standard logger when nil.
func OrDefault(entry *log.Entry, component string) *log.Entry {
	if entry != nil {
		return entry
	}
	return For(component)
}

// RequestLogger logs one line per request with method, path, status and latency.
func RequestLogger(entry *log.Entry) func(next http.Handler) http.Handler {
	entry = OrDefault(entry, "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := log.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     status,
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
					"remote":     r.RemoteAddr,
					"request_id": middleware.GetReqID(r.Context()),
				}
				switch {
				case status >= 500:
					entry.WithFields(fields).Error("request")
				case status >= 400:
					entry.WithFields(fields).Warn("request")
				default:
					entry.WithFields(fields).Info("request")
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
