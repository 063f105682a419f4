package middleware

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger logs requests and responses.
type Logger struct {
	logger *logrus.Entry
}

type logWriter struct {
	http.ResponseWriter
	statusCode int
}

func (l *logWriter) WriteHeader(code int) {
	l.statusCode = code
	l.ResponseWriter.WriteHeader(code)
}

// Hijack records the protocol switch and hijacks the connection.
func (l *logWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	l.statusCode = http.StatusSwitchingProtocols
	return hijack(l.ResponseWriter)
}

// NewLogger creates a new Logger middleware.
func NewLogger(logger *logrus.Entry) *Logger {
	return &Logger{logger: logger.WithField("component", "http")}
}

// Intercept logs the request and response.
func (l Logger) Intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := logWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(&rw, r)

		entry := l.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.statusCode,
			"duration": time.Since(start),
		})
		if rw.statusCode >= 400 {
			entry.Warn("request failed")
		} else {
			entry.Debug("request served")
		}
	})
}
