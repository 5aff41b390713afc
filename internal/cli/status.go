package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/llm"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show parley status and configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n\n", version.Info())

			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Data:     %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:     %s\n", paths.Logs)
			fmt.Fprintln(out)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading: %v\n", err)
				return nil
			}
			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:   not found (using defaults)")
			}

			if cfg.GatewayEnabled() {
				auth := cfg.Gateway.Auth.Mode
				if auth == "" {
					auth = "none"
				}
				fmt.Fprintf(out, "Gateway:  port=%d bind=%s auth=%s tls=%v\n",
					cfg.Gateway.Port, cfg.Gateway.Bind, auth, cfg.Gateway.TLS.Enabled)
			} else {
				fmt.Fprintln(out, "Gateway:  disabled")
			}

			fmt.Fprintf(out, "Session:  store=%s scope=%s\n", cfg.Session.Store, cfg.Session.Scope)
			fmt.Fprintf(out, "Turn:     maxDepth=%d engineTimeout=%s toolTimeout=%s tag=%s\n",
				cfg.Turn.MaxDepth, cfg.Turn.EngineTimeout, cfg.Turn.ToolTimeout, cfg.Turn.DirectiveTag)
			fmt.Fprintf(out, "Batching: quiet=%s maxWait=%s idle=%s\n",
				cfg.Aggregator.QuietPeriod, cfg.Aggregator.MaxWait, cfg.Aggregator.IdleTTL)

			providers := llm.NewRegistryFromConfig(cfg.Engine, log).List()
			if len(providers) > 0 {
				fmt.Fprintf(out, "Engine:   model=%s providers=%s\n", cfg.Engine.Model, strings.Join(providers, ", "))
			} else {
				fmt.Fprintf(out, "Engine:   model=%s providers=(none configured)\n", cfg.Engine.Model)
			}

			if irc := cfg.Channels.IRC; irc != nil {
				fmt.Fprintf(out, "IRC:      server=%s nick=%s channels=%s tls=%v\n",
					irc.Server, irc.Nick, strings.Join(irc.Channels, ","), irc.UseTLS)
			} else {
				fmt.Fprintln(out, "IRC:      (not configured)")
			}

			if cfg.Lease.Enabled {
				fmt.Fprintf(out, "Lease:    redis=%s ttl=%s\n", cfg.Lease.RedisAddr, cfg.Lease.TTL)
			}
			fmt.Fprintf(out, "Memory:   enabled=%v\n", cfg.Memory.Enabled)

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
			}

			if recent > 0 {
				return printRecentTurns(out, recent)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&recent, "recent", "n", 5, "number of recent turns to show (0 to skip)")
	return cmd
}

func printRecentTurns(out io.Writer, n int) error {
	if _, err := os.Stat(paths.Database); err != nil {
		return nil
	}
	db, err := store.Open(paths.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	turns, err := store.NewTurnLog(db).Recent("", n)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	fmt.Fprintf(out, "\nRecent turns:\n")
	for _, t := range turns {
		line := fmt.Sprintf("  %s  %-24s  %-10s depth=%d directives=%d %s",
			t.CreatedAt.Format("2006-01-02 15:04:05"), t.Conversation, t.Outcome,
			t.Depth, t.Directives, t.Duration)
		if t.Error != "" {
			line += "  error=" + t.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
