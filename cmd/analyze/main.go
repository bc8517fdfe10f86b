// analyze: lurepot audit log analyzer
// Usage: go run ./cmd/analyze [--top N] [--log-dir PATH] [--sessions]
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newAnalyzeCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newAnalyzeCmd() *cobra.Command {
	var (
		topN         int
		logDir       string
		showSessions bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Summarise credentials and commands recorded in audit.jsonl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			entries, err := loadJSONL[auditEntry](filepath.Join(logDir, "audit.jsonl"))
			if err != nil {
				return fmt.Errorf("audit log: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "\n%s\n", strings.Repeat("═", 62))
			fmt.Fprintf(w, "  SSH HONEYPOT REPORT  —  %s UTC\n", time.Now().UTC().Format("2006-01-02 15:04"))
			fmt.Fprintf(w, "%s\n", strings.Repeat("═", 62))
			buildReport(entries, topN).print(w, showSessions)
			fmt.Fprintf(w, "\n%s\n\n", strings.Repeat("═", 62))
			return nil
		},
	}
	cmd.Flags().IntVar(&topN, "top", 20, "Number of top entries to show")
	cmd.Flags().StringVar(&logDir, "log-dir", "./honeypot_logs", "Path to honeypot log directory")
	cmd.Flags().BoolVar(&showSessions, "sessions", false, "Show per-session command detail")
	return cmd
}
