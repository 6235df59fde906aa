package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chaz8081/bluekit/internal/config"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app carries the resolved configuration into subcommands.
type app struct {
	cfgPath string
	cfg     *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Default()}

	root := &cobra.Command{
		Use:          "bluekit",
		Short:        "Drive the local Bluetooth LE central: scan, connect, report state",
		Version:      fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolve(cmd.Flags())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "path to config file (default: ~/.config/bluekit/config.yaml)")
	flags.String("adapter", a.cfg.Adapter, "BlueZ adapter name used for power monitoring")
	flags.String("power-monitor", a.cfg.PowerMonitor, "power monitor: auto, bluez or none")
	flags.String("log-level", a.cfg.LogLevel, "log level: debug, info, warn or error")

	root.AddCommand(
		newScanCmd(a),
		newConnectCmd(a),
		newStatusCmd(a),
		newInitConfigCmd(),
	)
	return root
}

// resolve loads the config file and applies flag overrides. Only flags the
// user actually set take precedence over the file.
func (a *app) resolve(flags *pflag.FlagSet) error {
	cfg, err := loadConfig(a.cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	changed := map[string]bool{}
	flags.Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	if err := applyFlags(cfg, flags, changed); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	a.cfg = cfg
	return nil
}

// applyFlags copies explicitly set flag values onto cfg.
func applyFlags(cfg *config.Config, flags *pflag.FlagSet, changed map[string]bool) error {
	var err error
	str := func(name string, dst *string) {
		if err != nil || !changed[name] || flags.Lookup(name) == nil {
			return
		}
		*dst, err = flags.GetString(name)
	}
	str("adapter", &cfg.Adapter)
	str("power-monitor", &cfg.PowerMonitor)
	str("log-level", &cfg.LogLevel)
	str("service", &cfg.ServiceUUID)
	if err != nil {
		return err
	}

	if changed["timeout"] && flags.Lookup("timeout") != nil {
		if cfg.ScanTimeout, err = flags.GetDuration("timeout"); err != nil {
			return err
		}
	}
	if changed["attempts"] && flags.Lookup("attempts") != nil {
		if cfg.ConnectAttempts, err = flags.GetInt("attempts"); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}
