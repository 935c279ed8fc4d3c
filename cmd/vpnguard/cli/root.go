// Package cli holds the vpnguard command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/config"
)

// Execute builds the command tree and runs it.
func Execute(ctx context.Context, version, commit, date string) error {
	return newRootCmd(version, commit, date).ExecuteContext(ctx)
}

type rootOptions struct {
	cfgFile string
	v       *viper.Viper
}

func newRootCmd(version, commit, date string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "vpnguard",
		Short:         "Gate VPN access keys on channel membership",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(opts.cfgFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			opts.v = v
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default ./vpnguard.yaml)")
	cmd.PersistentFlags().String("dsn", "", "ledger DSN: postgres://... or sqlite://path")
	cmd.PersistentFlags().Bool("dev", false, "development logging")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newReconcileCmd(opts))
	cmd.AddCommand(newHashPasswordCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	return cmd
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"dsn":       "database.dsn",
	"dev":       "log.dev",
	"http-addr": "admin.http_addr",
	"grpc-addr": "admin.grpc_addr",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// load decodes the configuration and builds the logger.
func (o *rootOptions) load(validate bool) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.v)
	if err != nil {
		return config.Config{}, nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, fmt.Errorf("invalid configuration:\n%w", err)
		}
	}
	log, err := newLogger(cfg.Log.Dev)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
