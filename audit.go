package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Audit categories.
const (
	catConnect    = "CONNECT"
	catAuth       = "AUTH"
	catCommand    = "CMD"
	catExec       = "EXEC"
	catError      = "ERROR"
	catDisconnect = "DISCONNECT"
	catReject     = "REJECT"
	catUpload     = "UPLOAD"
)

// auditEvent is one append-only audit record.
type auditEvent struct {
	TS       time.Time `json:"ts"`
	Session  string    `json:"session,omitempty"`
	IP       string    `json:"ip"`
	User     string    `json:"user,omitempty"`
	Category string    `json:"category"`
	Message  string    `json:"message"`
}

// auditSink stores events. Implementations must accept concurrent writes and
// store each event as a single unit.
type auditSink interface {
	name() string
	write(ctx context.Context, ev auditEvent) error
	Close() error
}

// defaultAuditBuffer is the per-sink queue length.
const defaultAuditBuffer = 1024

// auditor fans every event out to all sinks and mirrors it to the app log.
// Each sink has its own queue and writer goroutine, so a slow sink never
// delays a session. Events that find a queue full are dropped and counted.
type auditor struct {
	mu      sync.RWMutex
	closed  bool
	writers []*sinkWriter
	timeout time.Duration
}

// sinkWriter drains one sink's queue.
type sinkWriter struct {
	sink    auditSink
	queue   chan auditEvent
	done    chan struct{}
	dropped atomic.Int64
}

func newAuditor(sinks ...auditSink) *auditor {
	return newBufferedAuditor(defaultAuditBuffer, sinks...)
}

func newBufferedAuditor(buffer int, sinks ...auditSink) *auditor {
	a := &auditor{timeout: 5 * time.Second}
	for _, s := range sinks {
		w := &sinkWriter{
			sink:  s,
			queue: make(chan auditEvent, buffer),
			done:  make(chan struct{}),
		}
		a.writers = append(a.writers, w)
		go a.drain(w)
	}
	return a
}

func (a *auditor) drain(w *sinkWriter) {
	defer close(w.done)
	for ev := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := w.sink.write(ctx, ev)
		cancel()
		if err != nil {
			recordAuditWriteError(w.sink.name())
			logEvent("ERROR", w.sink.name(), "audit write: "+err.Error())
		}
	}
}

// Record queues ev on every sink without blocking. Events recorded after
// Close are only logged.
func (a *auditor) Record(ev auditEvent) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	logEvent(ev.Category, ev.IP, ev.Message)
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	for _, w := range a.writers {
		select {
		case w.queue <- ev:
		default:
			w.dropped.Add(1)
			recordAuditDropped(w.sink.name())
		}
	}
}

// Close flushes queued events, then closes every sink.
func (a *auditor) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, w := range a.writers {
		close(w.queue)
	}
	a.mu.Unlock()

	var firstErr error
	for _, w := range a.writers {
		<-w.done
		if err := w.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// eventRecorder is what the shell needs from the audit layer.
type eventRecorder interface {
	record(category, msg string)
}

// sessionAudit stamps events with the connection's identity.
type sessionAudit struct {
	a    *auditor
	id   string
	ip   string
	mu   sync.Mutex
	user string
}

func newSessionAudit(a *auditor, ip string) *sessionAudit {
	return &sessionAudit{a: a, id: uuid.New().String(), ip: ip}
}

// setUser is called once the SSH handshake names the login user. Auth
// callbacks may run before that.
func (s *sessionAudit) setUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

func (s *sessionAudit) record(category, msg string) {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	s.a.Record(auditEvent{
		Session:  s.id,
		IP:       s.ip,
		User:     user,
		Category: category,
		Message:  msg,
	})
}

// jsonlSink appends one JSON object per line.
type jsonlSink struct {
	mu sync.Mutex
	f  *os.File
}

func openJSONLSink(path string) (*jsonlSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &jsonlSink{f: f}, nil
}

func (s *jsonlSink) name() string { return "jsonl" }

func (s *jsonlSink) write(_ context.Context, ev auditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(b)
	return err
}

func (s *jsonlSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

const sqliteAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TIMESTAMP NOT NULL,
	session_id TEXT,
	remote_ip  TEXT,
	username   TEXT,
	category   TEXT NOT NULL,
	message    TEXT
);`

const postgresAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	session_id TEXT,
	remote_ip  TEXT,
	username   TEXT,
	category   TEXT NOT NULL,
	message    TEXT
);`

// sqlSink stores events in an audit_events table, one INSERT per event.
type sqlSink struct {
	db     *sql.DB
	driver string
	insert string
}

func openSQLSink(driver, dsn string) (*sqlSink, error) {
	var schema, insert string
	switch driver {
	case "sqlite3":
		schema = sqliteAuditSchema
		insert = `INSERT INTO audit_events (ts, session_id, remote_ip, username, category, message)
			VALUES (?, ?, ?, ?, ?, ?)`
	case "postgres":
		schema = postgresAuditSchema
		insert = `INSERT INTO audit_events (ts, session_id, remote_ip, username, category, message)
			VALUES ($1, $2, $3, $4, $5, $6)`
	default:
		return nil, fmt.Errorf("%w: %q", errAuditDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if driver == "sqlite3" {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &sqlSink{db: db, driver: driver, insert: insert}, nil
}

func (s *sqlSink) name() string { return s.driver }

func (s *sqlSink) write(ctx context.Context, ev auditEvent) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		ev.TS.UTC(), ev.Session, ev.IP, ev.User, ev.Category, ev.Message)
	return err
}

func (s *sqlSink) Close() error {
	return s.db.Close()
}
