package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/tackle-dash/internal/device"
	"github.com/shaunagostinho/tackle-dash/internal/protocol"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect and print decoded sensor events",
	Long: `Connects to the sensor, runs the normal polling schedule and prints every
decoded event until interrupted. No dashboard server is started.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer log.Sync()

	mgr, err := newManager(cfg, log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates, unsub := mgr.Subscribe()
	defer unsub()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connecting to %s (Ctrl+C to exit)\n", mgr.Endpoint())
	if err := mgr.Connect(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			printUpdate(out, u)
			if u.Type == device.UpdateState && u.State == device.StateDisconnected {
				return nil
			}
		}
	}
}

func printUpdate(w io.Writer, u device.Update) {
	ts := u.Stamp.Format("15:04:05.000")
	switch u.Type {
	case device.UpdateState:
		fmt.Fprintf(w, "%s [state] %s\n", ts, u.State)
	case device.UpdateStatus:
		fmt.Fprintf(w, "%s [status] %s\n", ts, u.Status)
	case device.UpdateEvent:
		fmt.Fprintf(w, "%s [%s] %s\n", ts, protocol.Kind(u.Event), formatEvent(u.Event))
	}
}

func formatEvent(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.Telemetry:
		return fmt.Sprintf("x=%.3f y=%.3f z=%.3f", e.X, e.Y, e.Z)
	case protocol.AccelRange:
		return fmt.Sprintf("x=[%.2f, %.2f] y=[%.2f, %.2f]", e.XMin, e.XMax, e.YMin, e.YMax)
	case protocol.HomeAway:
		return fmt.Sprintf("home=%t", e.Home)
	case protocol.Eligibility:
		return fmt.Sprintf("eligible=%t", e.Eligible)
	case protocol.TackledStatus:
		return fmt.Sprintf("tackled=%t", e.Tackled)
	case protocol.Version:
		return e.Version
	case protocol.RawLine:
		return e.Text
	case protocol.ParseError:
		return fmt.Sprintf("%s (%q)", e.Reason, e.Raw)
	default:
		return fmt.Sprintf("%v", ev)
	}
}
