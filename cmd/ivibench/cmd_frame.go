package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/api"
	"github.com/jingkaihe/ivibench/pkg/display"
	"github.com/jingkaihe/ivibench/pkg/rfb"
)

var frameCmd = &cobra.Command{
	Use:       "frame hu|cluster",
	Short:     "Capture one PNG frame of a guest display",
	Long:      "Capture one PNG frame over VNC. When the guest is unreachable a placeholder frame is written instead.",
	ValidArgs: []string{string(display.HeadUnit), string(display.Cluster)},
	Args:      cobra.ExactArgs(1),
	RunE:      runFrame,
}

func init() {
	frameCmd.Flags().StringP("output", "o", "", "Write the PNG to this file instead of stdout")
	frameCmd.Flags().Bool("require-live", false, "Fail instead of writing a placeholder")
	viper.BindPFlag("frame.output", frameCmd.Flags().Lookup("output"))
	viper.BindPFlag("frame.require_live", frameCmd.Flags().Lookup("require-live"))

	rootCmd.AddCommand(frameCmd)
}

func runFrame(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := display.ParseDisplay(args[0])
	if err != nil {
		return errx.Wrap(ErrInvalidArgument, err)
	}

	output := viper.GetString("frame.output")
	if output == "" && term.IsTerminal(int(os.Stdout.Fd())) {
		return errx.With(ErrTerminalOutput, ": use -o FILE or redirect stdout")
	}

	ep := endpointFor(cfg, d)
	client := rfb.NewClient(ep.Host, ep.Port, rfb.WithTimeout(cfg.Graphics.Timeout))
	defer client.Close()

	m := display.NewManager(cfg.Resolve(cfg.Display.PlaceholderDir))
	m.SetProvider(d, client.CapturePNG)

	f, err := m.Next(cmd.Context(), d)
	if err != nil {
		return err
	}
	if !f.Live {
		if viper.GetBool("frame.require_live") {
			return errx.With(rfb.ErrTransport, ": %s display at %s:%d not reachable", d, ep.Host, ep.Port)
		}
		slog.Warn("display not reachable, wrote placeholder", "display", d, "host", ep.Host, "port", ep.Port)
	}

	if output == "" {
		_, err = os.Stdout.Write(f.PNG)
		return err
	}
	return os.WriteFile(output, f.PNG, 0o644)
}

func endpointFor(cfg *api.Config, d display.Display) api.Endpoint {
	if d == display.Cluster {
		return cfg.Graphics.Cluster
	}
	return cfg.Graphics.HU
}
