package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bluekit/internal/ble"
	"github.com/chaz8081/bluekit/internal/ble/bluez"
	"github.com/chaz8081/bluekit/internal/ble/fsm"
	"github.com/chaz8081/bluekit/internal/config"
)

// availabilityWait bounds how long commands wait for the radio to come up.
const availabilityWait = 5 * time.Second

// newCentral builds a central on the platform adapter with the power
// monitor selected by cfg. The returned cleanup releases the monitor.
func newCentral(cfg *config.Config) (*ble.Central, func(), error) {
	opts := cfg.CentralOptions()
	cleanup := func() {}

	switch cfg.PowerMonitor {
	case "bluez", "auto":
		mon, err := bluez.Dial(cfg.Adapter)
		if err != nil {
			if cfg.PowerMonitor == "bluez" {
				return nil, nil, err
			}
			slog.Debug("bluez power monitor not available", "error", err)
			break
		}
		opts.Power = mon
		cleanup = func() { _ = mon.Close() }
	}

	return ble.NewCentral(ble.NewTinyGoAdapter(), opts), cleanup, nil
}

// startAndWait starts c and blocks until it is Available, ctx is done, or
// availabilityWait passes.
func startAndWait(ctx context.Context, c *ble.Central) error {
	ready := make(chan struct{}, 1)
	unsubscribe := c.Subscribe(func(_, to fsm.State) {
		if to.Kind == fsm.Available {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := c.Start(ctx); err != nil {
		return err
	}
	if c.State().Kind == fsm.Available {
		return nil
	}

	timer := time.NewTimer(availabilityWait)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("radio not available: %s", c.State())
	}
}

// stopQuietly stops c, ignoring the error when it is already Initialized.
func stopQuietly(c *ble.Central) {
	if err := c.Stop(); err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
		slog.Warn("stop failed", "error", err)
	}
}

func newScanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for advertising peripherals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := newCentral(a.cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer stopQuietly(c)

			if err := startAndWait(cmd.Context(), c); err != nil {
				return err
			}
			devices, err := c.Scan(cmd.Context(), a.cfg.ServiceUUID)
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", config.Default().ScanTimeout, "how long to scan")
	cmd.Flags().String("service", "", "only report devices advertising this service UUID")
	return cmd
}

func newConnectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <address>",
		Short: "Connect to a peripheral and report success",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := newCentral(a.cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer stopQuietly(c)

			if err := startAndWait(cmd.Context(), c); err != nil {
				return err
			}
			if _, err := c.Connect(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s\n", args[0])
			return c.Disconnect(args[0])
		},
	}
	cmd.Flags().Int("attempts", config.Default().ConnectAttempts, "connection attempts before giving up")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Start the central and print the state it settles in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := newCentral(a.cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer stopQuietly(c)

			if err := startAndWait(cmd.Context(), c); err != nil {
				slog.Debug("central not available", "error", err)
			}
			printStatus(cmd.OutOrStdout(), c)
			return nil
		},
	}
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func printDevices(w io.Writer, devices []ble.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "no devices found")
		return
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%-36s  %4d dBm  %s\n", d.Address, d.RSSI, name)
	}
}

// statusEvents are the events reported by the status command.
var statusEvents = []fsm.EventKind{fsm.Scan, fsm.Connect, fsm.Stop}

func printStatus(w io.Writer, c *ble.Central) {
	fmt.Fprintf(w, "state: %s\n", c.State())
	var accepts []string
	for _, k := range statusEvents {
		if c.Can(k) {
			accepts = append(accepts, k.String())
		}
	}
	if len(accepts) == 0 {
		accepts = []string{"none"}
	}
	fmt.Fprintf(w, "accepts: %s\n", strings.Join(accepts, ", "))
}
