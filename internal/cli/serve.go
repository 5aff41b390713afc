package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/soyeahso/parley/internal/channel/irc"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/gateway"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, channels and turn pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return err
			}
			runLog, closeLog, err := logging.NewFromOptions(logging.Options{
				Level: cfg.Logging.Level,
				Style: cfg.Logging.ConsoleStyle,
				File:  cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			defer closeLog.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, runLog)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")
	return cmd
}

// serve runs until ctx is cancelled or the gateway fails.
func serve(ctx context.Context, cfg config.Config, log *logging.Logger, opts ...appOption) error {
	opts = append([]appOption{withDatabase(paths.Database)}, opts...)
	a, err := newApp(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Channels.IRC != nil {
		a.channels.Register(irc.New(*cfg.Channels.IRC, log))
	}

	var gw *gateway.Server
	if cfg.GatewayEnabled() {
		raw, err := config.LoadRaw(paths.Config)
		if err != nil {
			log.Warn().Err(err).Msg("raw config unavailable to config.get")
			raw = map[string]any{}
		}
		gw = gateway.New(cfg, log,
			gateway.WithConfigRaw(raw),
			gateway.WithChannels(a.channels),
			gateway.WithHooks(a.hooks),
			gateway.WithMetrics(a.metrics),
			gateway.WithCapabilities(a.caps),
			gateway.WithConversations(a.router.Aggregator()),
		)
		if err := gw.Listen(); err != nil {
			return err
		}
	}

	// Transports other than the gateway are started by the registry, which
	// logs their failures; a gateway failure ends the process.
	a.router.Wire()
	a.channels.StartAll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if gw != nil {
		a.channels.Register(gw)
		gw.OnEvent(a.router.HandleEvent)
		g.Go(func() error { return gw.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.router.Stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.channels.StopAll(stopCtx)
		return nil
	})

	log.Info().
		Strs("channels", a.channels.List()).
		Strs("capabilities", a.caps.Names()).
		Strs("engines", a.engines.List()).
		Str("scope", cfg.Session.Scope).
		Msg("parley running")

	err = g.Wait()
	log.Info().Msg("parley stopped")
	return err
}
