// Package main is the consensus engine CLI. Each batch job is a subcommand
// so that it can run from cron; serve runs all of them on timers behind the
// read API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/signal-consensus/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries state shared by the subcommands.
type cli struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:   "consensus",
		Short: "Signal consensus engine",
		Long: `Combines the signals of many prediction bots into one recommendation per
asset, tracks how each prediction played out and reweights the bots.

Examples:
  consensus scan --config consensus.yaml
  consensus evaluate
  consensus reweight
  consensus serve --log-level debug`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.v.BindPFlag("logging.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
				return fmt.Errorf("failed to bind --log-level: %w", err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "Path to configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(
		c.scanCmd(),
		c.evaluateCmd(),
		c.reweightCmd(),
		c.serveCmd(),
	)
	return root
}

// load reads the configuration and builds the logger.
func (c *cli) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadWith(c.v, c.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func setupLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	if cfg.Format == "json" {
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	zc := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    cfg.Format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
