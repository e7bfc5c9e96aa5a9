// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/config"
	"github.com/lokashrinav/guardian-toolkit/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// flagKeys maps command line flags to the configuration keys they override.
// A flag is bound only on commands that define it.
var flagKeys = map[string]string{
	"api":         "classifier.api_url",
	"fail-closed": "classifier.fail_closed",
	"concurrency": "engine.concurrency",
	"timeout":     "engine.batch_timeout",
	"strict":      "engine.strict",
	"catalogue":   "catalogue.path",
}

// Execute runs the CLI with ctx, which is cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	rootCmd, _ := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// newRootCmd builds a self-contained command tree. The returned config is
// populated once PersistentPreRunE has run.
func newRootCmd() (*cobra.Command, *config.Config) {
	var cfgFile string
	v := viper.New()
	appConfig := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "guardian",
		Short: "Guardian rewrites web platform features that are not yet safe across browsers.",
		Long: `Guardian finds uses of web platform APIs in JavaScript, TypeScript, CSS and
HTML, asks a compatibility classifier how safe each feature is, and rewrites the
unsafe ones into equivalent code that runs everywhere.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetDefaults(v)
			if err := initializeConfig(v, cfgFile); err != nil {
				observability.InitializeLogger(config.NewDefaultConfig().Logger)
				return err
			}
			if err := bindFlags(cmd, v); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.NewDefaultConfig().Logger)
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			*appConfig = *cfg

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting guardian", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, appConfig))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./guardian.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newTransformCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newFeaturesCmd())
	rootCmd.AddCommand(newHistoryCmd(NewStoreProvider()))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd, appConfig
}

// initializeConfig reads the config file, if any, and enables environment
// overrides. A missing default config file is not an error.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("guardian")
		v.SetConfigType("yaml")
	}
	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// bindFlags lets explicitly set flags of cmd override file and environment
// values.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not found in context")
	}
	return cfg, nil
}
