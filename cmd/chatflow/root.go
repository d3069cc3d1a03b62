package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/chatflow/internal/logging"
)

type globalFlags struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "chatflow",
		Short:        "Run conversational workflows",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "settings file (default: ~/.chatflow/settings.yaml or ./settings.yaml)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading CHATFLOW_* variables")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json")
	pf.String("store", "", "store driver: libsql, postgres, memory")
	pf.String("db-path", "", "libSQL database path or URL")

	root.AddCommand(
		newValidateCmd(flags),
		newRunCmd(flags),
		newServeCmd(flags),
		newTraceCmd(flags),
		newAbortCmd(flags),
		newDiagramCmd(flags),
		newVersionCmd(),
	)
	return root
}

// env is the loaded configuration plus the process logger.
type env struct {
	cfg      Config
	viper    *viper.Viper
	logger   *slog.Logger
	levelVar *slog.LevelVar
}

// flagKeys binds persistent flags to config keys; a set flag wins over
// every other layer.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"store":      "store.driver",
	"db-path":    "store.path",
}

func loadEnv(cmd *cobra.Command, flags *globalFlags) (*env, error) {
	v, err := newViper(flags.configFile, flags.envFile)
	if err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}

	lv := new(slog.LevelVar)
	logCfg := cfg.Log
	logCfg.Output = cmd.ErrOrStderr()
	logCfg.LevelVar = lv
	logger := logging.New(logCfg)
	slog.SetDefault(logger)

	return &env{cfg: cfg, viper: v, logger: logger, levelVar: lv}, nil
}

// withApp loads config, wires the app and runs fn with it.
func withApp(cmd *cobra.Command, flags *globalFlags, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	e, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	return runApp(cmd, e, opts, fn)
}

func runApp(cmd *cobra.Command, e *env, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, e.cfg, e.logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
