package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/observability"
)

// app carries what PersistentPreRunE resolves to the subcommands.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

// NewRootCommand builds a fresh command tree. Each call has its own viper
// instance, so tests and repeated invocations do not share flag state.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "autoreg",
		Short:         "autoreg fills and submits product warranty registration forms.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is $HOME/.autoreg.yaml)")
	pf.String("engine", "", "browser engine: chromedp, rod, playwright or purego")
	pf.Bool("headless", true, "run the browser without a window")
	pf.String("profile", "", "device profile to emulate (see 'autoreg profiles')")
	pf.String("strategy", "", "field detection strategy: rules or hybrid")
	pf.String("artifacts-dir", "", "directory for failure screenshots and HTML snapshots")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRegisterCmd(a),
		newServeCmd(a),
		newTemplatesCmd(a),
		newProfilesCmd(a),
		newVersionCmd(),
	)
	return root
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"engine":        "browser.engine",
	"headless":      "browser.headless",
	"profile":       "device.profile",
	"strategy":      "automation.detection_strategy",
	"artifacts-dir": "diagnostics.dir",
	"log-level":     "logger.level",
}

func (a *app) initialize(cmd *cobra.Command) error {
	config.SetDefaults(a.v)

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.AddConfigPath(".")
		a.v.SetConfigName(".autoreg")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("AUTOREG")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Only flags the user actually set override the file and environment.
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			a.v.Set(key, f.Value.String())
		}
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger())
	observability.GetLogger().Debug("Configuration loaded.",
		zap.String("version", Version),
		zap.String("config_file", a.v.ConfigFileUsed()),
		zap.String("engine", cfg.Browser().Engine))
	return nil
}

// Execute runs the root command with ctx, logging any failure.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command failed.", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}
