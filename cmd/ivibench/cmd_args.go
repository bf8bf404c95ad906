package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/pkg/vm/qemu"
)

var argsCmd = &cobra.Command{
	Use:       "args [hu|cluster|all]",
	Short:     "Print the QEMU command line of each guest",
	ValidArgs: []string{"hu", "cluster", "all"},
	Args:      cobra.MaximumNArgs(1),
	RunE:      runArgs,
}

func init() {
	argsCmd.Flags().Bool("json", false, "Print argv as a JSON array")
	viper.BindPFlag("args.json", argsCmd.Flags().Lookup("json"))

	rootCmd.AddCommand(argsCmd)
}

func runArgs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	guests, err := selectGuests(cfg, args)
	if err != nil {
		return err
	}

	asJSON := viper.GetBool("args.json")
	for _, g := range guests {
		argv, err := qemu.BuildArguments(g.spec)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			if err := enc.Encode(map[string]any{"vm": g.name, "argv": argv}); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("# %s\n%s\n", g.name, shellquote.Join(argv...))
	}
	return nil
}
