package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

var errNoneAuth = errors.New("none auth refused")

// loadOrGenHostKey reads a PEM RSA key from path, generating and saving a
// 2048-bit key when the file does not exist. An existing file that cannot be
// parsed is an error; it is never overwritten.
func loadOrGenHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create host key %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		f.Close()
		return nil, fmt.Errorf("write host key %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write host key %s: %w", path, err)
	}
	logEvent("INFO", path, "generated new host key")
	return ssh.NewSignerFromKey(key)
}

// server accepts SSH connections and runs one fake shell per session.
type server struct {
	cfg     Config
	hostKey ssh.Signer
	audit   *auditor
	archive *transcriptArchiver // nil disables archiving
	version *versionProfile

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func newServer(cfg Config, hostKey ssh.Signer, audit *auditor, archive *transcriptArchiver) *server {
	return &server{
		cfg:     cfg,
		hostKey: hostKey,
		audit:   audit,
		archive: archive,
		version: newVersionProfile(cfg.ServerVersion, nil),
		sem:     make(chan struct{}, cfg.MaxConns),
		conns:   make(map[net.Conn]struct{}),
	}
}

// tarpit sleeps a random duration up to the configured auth delay.
func (s *server) tarpit() {
	if s.cfg.AuthDelay <= 0 {
		return
	}
	time.Sleep(time.Duration(mrand.Int63n(int64(s.cfg.AuthDelay) + 1)))
}

// makeSSHConfig accepts every password and public key and records what was
// offered. A "none" attempt is recorded and accepted unless RefuseNoneAuth is
// set, in which case the client falls back to the credentials it carries.
func (s *server) makeSSHConfig(sa *sessionAudit) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: s.version.get(),
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.tarpit()
			recordAuthAttempt("password")
			sa.record(catAuth, fmt.Sprintf("%s:%s", conn.User(), password))
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.tarpit()
			recordAuthAttempt("publickey")
			sa.record(catAuth, fmt.Sprintf("%s <pubkey:%s>", conn.User(), ssh.FingerprintSHA256(key)))
			return &ssh.Permissions{}, nil
		},
		NoClientAuth: true,
		NoClientAuthCallback: func(conn ssh.ConnMetadata) (*ssh.Permissions, error) {
			recordAuthAttempt("none")
			sa.record(catAuth, fmt.Sprintf("%s (none)", conn.User()))
			if s.cfg.RefuseNoneAuth {
				return nil, errNoneAuth
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

// idleConn pushes the deadline forward on every read once armed. It stays
// inert during the handshake so the handshake deadline holds.
type idleConn struct {
	net.Conn
	timeout time.Duration
	armed   atomic.Bool
}

func (c *idleConn) arm() {
	c.armed.Store(true)
	c.Conn.SetDeadline(time.Now().Add(c.timeout)) //nolint:errcheck
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.armed.Load() {
		c.Conn.SetDeadline(time.Now().Add(c.timeout)) //nolint:errcheck
	}
	return c.Conn.Read(p)
}

// track registers a live connection. Once the server is shutting down new
// connections are closed immediately.
func (s *server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
}

func (s *server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
}

// serve accepts until ctx is cancelled, then closes live connections and
// waits for their goroutines.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.wg.Wait()
			return err
		}
		select {
		case s.sem <- struct{}{}:
			s.track(conn)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.handleConn(conn)
			}()
		default:
			recordConnectionRejected()
			s.audit.Record(auditEvent{IP: conn.RemoteAddr().String(), Category: catReject, Message: "connection limit reached"})
			conn.Close()
		}
	}
}

func (s *server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	ip := conn.RemoteAddr().String()
	sa := newSessionAudit(s.audit, ip)

	var nc net.Conn = conn
	var idle *idleConn
	if s.cfg.IdleTimeout > 0 {
		idle = &idleConn{Conn: conn, timeout: s.cfg.IdleTimeout}
		nc = idle
	}
	if s.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)) //nolint:errcheck
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.makeSSHConfig(sa))
	if err != nil {
		logEvent("DEBUG", ip, "handshake: "+err.Error())
		return
	}
	defer sshConn.Close()
	if idle != nil {
		idle.arm()
	} else {
		conn.SetDeadline(time.Time{}) //nolint:errcheck
	}
	go ssh.DiscardRequests(reqs)

	sa.setUser(sshConn.User())
	sa.record(catConnect, fmt.Sprintf("user=%s client=%q", sshConn.User(), sshConn.ClientVersion()))

	sess, err := newSessionLogger(s.cfg.sessionDir(), ip)
	if err != nil {
		sa.record(catError, "session log: "+err.Error())
		return
	}
	sess.log("Session: %s", sa.id)
	sess.log("Auth: user=%s client=%s", sshConn.User(), sshConn.ClientVersion())

	// Only the first session channel is served; the connection ends with it.
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type") //nolint:errcheck
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			break
		}
		s.handleSession(ch, chReqs, ip, sa, sess)
		break
	}

	if err := sess.close(); err != nil {
		logEvent("ERROR", ip, "close transcript: "+err.Error())
	}
	s.archiveTranscript(sa.id, sess.path)
	sa.record(catDisconnect, "")
}

func (s *server) archiveTranscript(sessionID, path string) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.archive.upload(ctx, sessionID, path); err != nil {
		logEvent("ERROR", sessionID, "archive: "+err.Error())
	}
}

// handleSession answers channel requests until a shell or exec request
// arrives. PTYs are refused; the shell is line based.
func (s *server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, ip string, sa *sessionAudit, sess *sessionLogger) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "env":
			req.Reply(true, nil) //nolint:errcheck
		case "shell":
			req.Reply(true, nil) //nolint:errcheck
			go discardChannelRequests(reqs)
			recordSessionStart()
			defer recordSessionEnd()
			newFakeShell(ch, ip, sa, sess).run()
			return
		case "exec":
			cmd, ok := parseExecPayload(req.Payload)
			req.Reply(ok, nil) //nolint:errcheck
			if !ok {
				continue
			}
			go discardChannelRequests(reqs)
			sa.record(catExec, cmd)
			status := []byte{0, 0, 0, 0}
			if isSCPSink(cmd) {
				if !s.captureUpload(ch, sa, sess) {
					status[3] = 1
				}
			} else {
				newFakeShell(ch, ip, sa, sess).runOnce(cmd)
			}
			ch.SendRequest("exit-status", false, status) //nolint:errcheck
			return
		default:
			// pty-req, x11-req, subsystem, window-change, ...
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

// discardChannelRequests refuses everything arriving after the shell started.
func discardChannelRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(false, nil) //nolint:errcheck
		}
	}
}

// parseExecPayload decodes the SSH string carried by an exec request.
func parseExecPayload(payload []byte) (string, bool) {
	if len(payload) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if uint64(n) > uint64(len(payload)-4) {
		return "", false
	}
	return string(payload[4 : 4+n]), true
}

// runServer wires the process together and blocks until ctx is cancelled or
// the listener fails.
func runServer(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, d := range []string{cfg.LogDir, cfg.sessionDir(), cfg.uploadDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	if err := initLogger(cfg.LogLevel, cfg.LogFormat, cfg.appLogFile()); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer appLog.Sync() //nolint:errcheck

	hostKey, err := loadOrGenHostKey(cfg.HostKeyFile)
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}

	jsonl, err := openJSONLSink(cfg.auditLogFile())
	if err != nil {
		return err
	}
	sinks := []auditSink{jsonl}
	if cfg.AuditDBDriver != "" {
		db, err := openSQLSink(cfg.AuditDBDriver, cfg.AuditDBDSN)
		if err != nil {
			jsonl.Close()
			return err
		}
		sinks = append(sinks, db)
	}
	audit := newAuditor(sinks...)
	defer audit.Close()

	var archive *transcriptArchiver
	if cfg.S3Bucket != "" {
		archive, err = newTranscriptArchiver(ctx, cfg)
		if err != nil {
			return fmt.Errorf("transcript archive: %w", err)
		}
	}

	addr := cfg.listenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := serveMetrics(ctx, cfg.MetricsAddr); err != nil {
				logEvent("ERROR", cfg.MetricsAddr, "metrics: "+err.Error())
			}
		}()
	}

	srv := newServer(cfg, hostKey, audit, archive)
	if cfg.RotateVersion > 0 {
		srv.version = newVersionProfile(cfg.ServerVersion, sshVersions)
		go srv.version.run(ctx, cfg.RotateVersion)
	}

	logEvent("START", addr, fmt.Sprintf("audit=%s maxconns=%d version=%q", cfg.auditLogFile(), cfg.MaxConns, srv.version.get()))
	err = srv.serve(ctx, ln)
	logEvent("STOP", addr, "listener closed")
	return err
}
