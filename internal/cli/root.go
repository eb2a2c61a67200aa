package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth"
	"github.com/MrEthical07/clinicauth/store"
)

type options struct {
	configPath string
	envPrefix  string
	output     string
}

// NewRootCommand returns a fresh command tree; tests build one per case.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "clinicauthctl",
		Short:         "Administer clinic dashboard sign-in lockouts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unsupported --output %q (text or json)", opts.output)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default: environment)")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", clinicauth.DefaultEnvPrefix, "environment variable prefix")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(newLockoutCommand(opts), newConfigCommand(opts), newSecretCommand())
	return root
}

// ExecuteContext runs the command tree with ctx.
func ExecuteContext(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *options) loadConfig() (clinicauth.Config, error) {
	if o.configPath != "" {
		return clinicauth.LoadConfigFile(o.configPath)
	}
	return clinicauth.LoadConfigFromEnv(o.envPrefix)
}

// newLogger logs to stderr at the configured level.
func newLogger(cfg clinicauth.Config) *zap.Logger {
	logger, err := clinicauth.NewLogger(clinicauth.LogConfig{Level: cfg.Log.Level, Format: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openStore connects to the configured Redis store. The in-memory backend is
// process-local, so there is nothing for an external tool to inspect.
func openStore(ctx context.Context, cfg clinicauth.Config) (store.Store, func(), error) {
	if cfg.Store.Backend != clinicauth.StoreBackendRedis {
		return nil, nil, errors.New("store backend is not redis; lockouts are process-local")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Redis.Addrs,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	st := store.NewRedis(client, cfg.Store.Prefix)
	if err := st.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return st, func() { _ = client.Close() }, nil
}
