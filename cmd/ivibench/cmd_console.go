package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/pkg/api"
	"github.com/jingkaihe/ivibench/pkg/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Read from or write to the QNX virtual console",
}

var consoleTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print recent console output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		lines, err := consoleTap(cfg).Tail(cmd.Context(), viper.GetInt("console.max_bytes"))
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	},
}

var consoleSendCmd = &cobra.Command{
	Use:   "send LINE...",
	Short: "Send one line to the console",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return consoleTap(cfg).SendLine(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	consoleTailCmd.Flags().Int("max-bytes", 4096, "Read at most this many bytes")
	viper.BindPFlag("console.max_bytes", consoleTailCmd.Flags().Lookup("max-bytes"))

	consoleCmd.AddCommand(consoleTailCmd)
	consoleCmd.AddCommand(consoleSendCmd)
	rootCmd.AddCommand(consoleCmd)
}

func consoleTap(cfg *api.Config) console.Tap {
	return console.Tap{Host: cfg.Console.Host, Port: cfg.Console.Port, Timeout: cfg.Console.Timeout}
}
