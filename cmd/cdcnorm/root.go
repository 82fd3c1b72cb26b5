package cdcnorm

import (
	"fmt"
	"os"

	"github.com/edgeflare/cdcnorm/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app carries state shared by the subcommands once the root command has
// loaded configuration
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCmd builds the cdcnorm command tree
func NewRootCmd() *cobra.Command {
	a := &app{v: config.New(), logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:           "cdcnorm",
		Short:         "cdcnorm normalizes MongoDB change stream records",
		Long:          `cdcnorm maps MongoDB change stream records to canonical events and streams them among endpoints aka peers`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			versionFlag, _ := cmd.Flags().GetBool("version")
			if versionFlag {
				fmt.Fprintln(cmd.OutOrStdout(), config.Version)
				return nil
			}

			// If no subcommand is provided, print help
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.config/cdcnorm.yaml)")
	flags.StringP("log-level", "L", "info", "log at this level (debug, info, warn, error, fatal, none)")
	flags.String("mapping", "", "mapping file (overrides mapping.path and MAPPING_PATH)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	mustBind(a.v, "logLevel", flags.Lookup("log-level"))
	mustBind(a.v, "mapping.path", flags.Lookup("mapping"))

	rootCmd.AddCommand(newPipelineCmd(a), newNormalizeCmd(a), newValidateCmd(a))
	return rootCmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger = logger

	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("Using config file", zap.String("path", used))
	}
	return nil
}

// newLogger returns a production logger at level, or a no-op logger for "none"
func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func Main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
