package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// prompt is sent at session start and after every handled line.
	prompt = "/$ "

	// recvSize caps a single read from the session stream.
	recvSize = 1024

	defaultServerVersion = "SSH-2.0-OpenSSH_9.8p1 Debian-1"
)

var (
	errInvalidPort     = errors.New("port must be between 1 and 65535")
	errInvalidMaxConns = errors.New("max-conns must be positive")
	errServerVersion   = errors.New(`server-version must start with "SSH-2.0-"`)
	errAuditDSN        = errors.New("audit-db-dsn is required when audit-db-driver is set")
	errAuditDriver     = errors.New("audit-db-driver must be sqlite3 or postgres")
	errS3Region        = errors.New("s3-region is required when s3-bucket is set")
)

// Config holds all runtime settings. Defaults come from LUREPOT_* environment
// variables and can be overridden by flags.
type Config struct {
	// Listener
	Host     string
	Port     int
	MaxConns int

	// SSH transport
	HostKeyFile      string
	ServerVersion    string
	RotateVersion    time.Duration // rotate ServerVersion through stock banners, 0 disables
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // 0 disables
	AuthDelay        time.Duration // upper bound of the random auth tarpit, 0 disables
	RefuseNoneAuth   bool          // refuse "none" so clients reveal a password or key

	// Logging
	LogDir    string
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsAddr string // empty disables

	// Audit database (optional, in addition to audit.jsonl)
	AuditDBDriver string
	AuditDBDSN    string

	// Transcript archive (optional)
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
}

func defaultConfig() Config {
	return Config{
		Host:             envOr("LUREPOT_HOST", "0.0.0.0"),
		Port:             envInt("LUREPOT_PORT", 22),
		MaxConns:         envInt("LUREPOT_MAX_CONNS", 512),
		HostKeyFile:      envOr("LUREPOT_HOST_KEY", "./honeypot_host_key"),
		ServerVersion:    envOr("LUREPOT_SERVER_VERSION", defaultServerVersion),
		RotateVersion:    envDuration("LUREPOT_ROTATE_VERSION", 0),
		HandshakeTimeout: envDuration("LUREPOT_HANDSHAKE_TIMEOUT", 30*time.Second),
		IdleTimeout:      envDuration("LUREPOT_IDLE_TIMEOUT", 0),
		AuthDelay:        envDuration("LUREPOT_AUTH_DELAY", 0),
		RefuseNoneAuth:   envBool("LUREPOT_REFUSE_NONE_AUTH", false),
		LogDir:           envOr("LUREPOT_LOG_DIR", "./honeypot_logs"),
		LogLevel:         envOr("LUREPOT_LOG_LEVEL", "info"),
		LogFormat:        envOr("LUREPOT_LOG_FORMAT", "json"),
		MetricsAddr:      envOr("LUREPOT_METRICS_ADDR", ""),
		AuditDBDriver:    envOr("LUREPOT_AUDIT_DB_DRIVER", ""),
		AuditDBDSN:       envOr("LUREPOT_AUDIT_DB_DSN", ""),
		S3Endpoint:       envOr("LUREPOT_S3_ENDPOINT", ""),
		S3Bucket:         envOr("LUREPOT_S3_BUCKET", ""),
		S3AccessKey:      envOr("LUREPOT_S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("LUREPOT_S3_SECRET_KEY", ""),
		S3Region:         envOr("LUREPOT_S3_REGION", "us-east-1"),
	}
}

// Validate checks the settings that would otherwise fail late.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", errInvalidPort, c.Port)
	}
	if c.MaxConns < 1 {
		return errInvalidMaxConns
	}
	if !strings.HasPrefix(c.ServerVersion, "SSH-2.0-") {
		return fmt.Errorf("%w: %q", errServerVersion, c.ServerVersion)
	}
	switch c.AuditDBDriver {
	case "":
	case "sqlite3", "postgres":
		if c.AuditDBDSN == "" {
			return errAuditDSN
		}
	default:
		return fmt.Errorf("%w: %q", errAuditDriver, c.AuditDBDriver)
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return errS3Region
	}
	return nil
}

func (c Config) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) auditLogFile() string { return filepath.Join(c.LogDir, "audit.jsonl") }
func (c Config) appLogFile() string   { return filepath.Join(c.LogDir, "honeypot.log") }
func (c Config) sessionDir() string   { return filepath.Join(c.LogDir, "sessions") }
func (c Config) uploadDir() string    { return filepath.Join(c.LogDir, "uploads") }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
