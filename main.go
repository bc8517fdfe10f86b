package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()

	root := &cobra.Command{
		Use:   "lurepot",
		Short: "SSH honeypot with a minimal in-memory shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "Address to bind")
	f.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on")
	f.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "Maximum concurrent connections")
	f.StringVar(&cfg.HostKeyFile, "host-key", cfg.HostKeyFile, "Host key file, generated when missing")
	f.StringVar(&cfg.ServerVersion, "server-version", cfg.ServerVersion, "SSH version string presented to clients")
	f.DurationVar(&cfg.RotateVersion, "rotate-version", cfg.RotateVersion, "Rotate the version string through stock OpenSSH banners at this interval (0 disables)")
	f.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Deadline for the SSH handshake (0 disables)")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections idle this long (0 disables)")
	f.DurationVar(&cfg.AuthDelay, "auth-delay", cfg.AuthDelay, "Maximum random delay before accepting a login")
	f.BoolVar(&cfg.RefuseNoneAuth, "refuse-none-auth", cfg.RefuseNoneAuth, "Refuse the \"none\" auth method so clients fall back to a password or key")
	f.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs, audit records and transcripts")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or console")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	f.StringVar(&cfg.AuditDBDriver, "audit-db-driver", cfg.AuditDBDriver, "Also store audit records in a database: sqlite3 or postgres")
	f.StringVar(&cfg.AuditDBDSN, "audit-db-dsn", cfg.AuditDBDSN, "Audit database DSN")
	f.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3-compatible endpoint for transcript archiving")
	f.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "Bucket for transcript archiving (empty disables)")
	f.StringVar(&cfg.S3AccessKey, "s3-access-key", cfg.S3AccessKey, "S3 access key")
	f.StringVar(&cfg.S3SecretKey, "s3-secret-key", cfg.S3SecretKey, "S3 secret key")
	f.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")

	root.AddCommand(newPlaygroundCmd())
	return root
}

// stdioStream joins stdin and stdout into a session stream.
type stdioStream struct {
	in  *os.File
	out *os.File
}

func (s stdioStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdioStream) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s stdioStream) Close() error                { return nil }

// newPlaygroundCmd runs the shell on the local terminal, without a server or
// audit files.
func newPlaygroundCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "playground",
		Short: "Run the honeypot shell on stdin/stdout without starting a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if verbose {
				if err := initLogger("debug", "console", ""); err != nil {
					return err
				}
				defer appLog.Sync() //nolint:errcheck
			}
			sa := newSessionAudit(nil, "local")
			newFakeShell(stdioStream{in: os.Stdin, out: os.Stdout}, "local", sa, nil).run()
			fmt.Fprintln(cmd.ErrOrStderr(), "session closed")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log audit events to stdout")
	return cmd
}
