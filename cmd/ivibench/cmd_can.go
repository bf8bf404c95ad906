package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/can"
)

var canCmd = &cobra.Command{
	Use:   "can",
	Short: "Inspect or bridge the virtual CAN bus",
}

var canListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to a running bench's CAN server and print frames",
	Args:  cobra.NoArgs,
	RunE:  runCANListen,
}

var canBridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Forward TCP CAN frames onto a socketcan interface",
	Long: `Accept peers speaking the 13-byte TCP frame format and write every frame
to a socketcan interface such as vcan0. Point a bench running with
can.mode=tcp at this address to drive a real or virtual CAN device.`,
	Args: cobra.NoArgs,
	RunE: runCANBridge,
}

func init() {
	canListenCmd.Flags().String("addr", "", "CAN server address (default from can.host and can.port)")
	viper.BindPFlag("can_listen.addr", canListenCmd.Flags().Lookup("addr"))

	canBridgeCmd.Flags().String("listen", "127.0.0.1:29536", "Address to accept TCP peers on")
	canBridgeCmd.Flags().String("interface", "", "Socketcan interface (default from can.interface)")
	viper.BindPFlag("can_bridge.listen", canBridgeCmd.Flags().Lookup("listen"))
	viper.BindPFlag("can_bridge.interface", canBridgeCmd.Flags().Lookup("interface"))

	canCmd.AddCommand(canListenCmd)
	canCmd.AddCommand(canBridgeCmd)
	rootCmd.AddCommand(canCmd)
}

func runCANListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := viper.GetString("can_listen.addr")
	if addr == "" {
		addr = net.JoinHostPort(cfg.CAN.Host, strconv.Itoa(cfg.CAN.Port))
	}

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errx.With(ErrConnectCAN, " %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	slog.Info("listening for can frames", "addr", addr)
	for {
		f, err := can.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, can.ErrBadLength) {
				slog.Warn("dropping malformed frame", "error", err)
				continue
			}
			return errx.With(ErrConnectCAN, " %s: %w", addr, err)
		}
		fmt.Printf("%s  [%d]  %s\n", f.IDHex(), f.DLC(), f.DataHex())
	}
}

func runCANBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	iface := viper.GetString("can_bridge.interface")
	if iface == "" {
		iface = cfg.CAN.Interface
	}
	if iface == "" {
		return errx.With(ErrInvalidFlag, ": --interface is required when can.interface is unset")
	}

	out := can.NewSocketCANTransport(iface, slog.Default())
	if err := out.Start(); err != nil {
		return err
	}
	defer out.Close()

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	b := &can.Bridge{Addr: viper.GetString("can_bridge.listen"), Out: out, Logger: slog.Default()}
	if err := b.Run(ctx); err != nil {
		return err
	}
	slog.Info("can bridge stopped", "forwarded", b.Forwarded())
	return nil
}
