package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// appLog is replaced by initLogger; the no-op default keeps tests and the
// playground quiet.
var appLog = zap.NewNop()

// initLogger builds the application logger. Output goes to stdout and, when
// logFile is non-empty, is appended to that file as well.
func initLogger(level, format, logFile string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	appLog = l
	return nil
}

// logEvent writes one lifecycle line: event is a short upper-case tag
// (START, CONNECT, AUTH, ...), src is usually the remote address.
func logEvent(event, src, msg string) {
	fields := []zap.Field{zap.String("event", event), zap.String("src", src)}
	switch event {
	case "ERROR":
		appLog.Error(msg, fields...)
	case "REJECT", "WARN":
		appLog.Warn(msg, fields...)
	case "CMD", "EXEC", "DEBUG":
		appLog.Debug(msg, fields...)
	default:
		appLog.Info(msg, fields...)
	}
}

// sessionLogger is the per-session transcript: every line received and every
// reply sent, one timestamped entry per line.
type sessionLogger struct {
	f    *os.File
	path string
	mu   sync.Mutex
}

func newSessionLogger(dir, ip string) (*sessionLogger, error) {
	ts := time.Now().UTC().Format("20060102_150405")
	safe := strings.NewReplacer(":", "_", ".", "_", "[", "", "]", "").Replace(ip)
	path := filepath.Join(dir, safe+"_"+ts+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &sessionLogger{f: f, path: path}, nil
}

// log is safe on a nil receiver so callers without a transcript can skip the
// check.
func (l *sessionLogger) log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	fmt.Fprintf(l.f, "[%s] %s\n", ts, fmt.Sprintf(format, args...))
}

func (l *sessionLogger) close() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
