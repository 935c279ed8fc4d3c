package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcserver "github.com/itbali/vpn-validator-bot/internal/server/grpc"
	httpserver "github.com/itbali/vpn-validator-bot/internal/server/http"
	"github.com/itbali/vpn-validator-bot/internal/service"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the reconciler and the admin surfaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			// Two missed cycles make the reconciler unhealthy.
			health := grpcserver.NewHealth(2*cfg.Reconcile.Interval, log.Named("health"))
			a.reconciler.OnCycle(health.Observe)

			var gs *grpc.Server
			if cfg.Admin.GRPCAddr != "" {
				gs, err = grpcserver.New(grpcserver.Config{
					Addr:     cfg.Admin.GRPCAddr,
					CertFile: cfg.Admin.GRPCCertFile,
					KeyFile:  cfg.Admin.GRPCKeyFile,
				}, health, log.Named("grpc"))
				if err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.reconciler.Run(ctx) })
			g.Go(func() error { return a.usage.Run(ctx, cfg.Usage.Interval) })
			g.Go(func() error { return a.bot.Run(ctx) })

			if cfg.Admin.HTTPAddr != "" {
				auth := service.NewAuthService(cfg.Admin.Username, cfg.Admin.PasswordHash,
					[]byte(cfg.Admin.JWTKey), cfg.Admin.TokenTTL, a.ledger.limiter)
				hcfg := httpserver.DefaultConfig()
				hcfg.Addr = cfg.Admin.HTTPAddr
				hcfg.RatePerMinute = cfg.Admin.RequestsPerMinute
				srv := httpserver.New(hcfg, auth, a.admin, a.reconciler, log.Named("http"))
				g.Go(func() error { return srv.ListenAndServe(ctx) })
			}
			if gs != nil {
				g.Go(func() error { return grpcserver.Serve(ctx, gs, cfg.Admin.GRPCAddr, health, log.Named("grpc")) })
			}

			log.Info("vpnguard started",
				zap.Int64("channel_id", cfg.Telegram.ChannelID),
				zap.Duration("reconcile_interval", cfg.Reconcile.Interval))
			err = g.Wait()
			log.Info("vpnguard stopped")
			return err
		},
	}

	cmd.Flags().String("http-addr", "", "admin HTTP listen address; empty disables")
	cmd.Flags().String("grpc-addr", "", "health gRPC listen address; empty disables")
	return cmd
}
