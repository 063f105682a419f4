package logging

import (
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

// testLoggerAdapter maps log lines into testing.T.Log so that output only
// shows up for failed tests. Lines written after the test has finished are
// dropped, since background goroutines may outlive it.
type testLoggerAdapter struct {
	t    testing.TB
	done atomic.Bool
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	if a.done.Load() {
		return len(d), nil
	}
	n := len(d)
	if n > 0 && d[n-1] == '\n' {
		d = d[:n-1]
	}
	a.t.Log(string(d))
	return n, nil
}

// NewTestLogger returns a debug level entry bound to t.
func NewTestLogger(t testing.TB) *logrus.Entry {
	adapter := &testLoggerAdapter{t: t}
	t.Cleanup(func() { adapter.done.Store(true) })

	logger := logrus.New()
	logger.Out = adapter
	logger.Level = logrus.DebugLevel
	return logger.WithField("test", t.Name())
}
