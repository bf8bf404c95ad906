package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/pkg/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the persisted vehicle state as JSON",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

func init() {
	stateCmd.Flags().Bool("reset", false, "Overwrite the persisted state with the defaults first")
	viper.BindPFlag("state.reset", stateCmd.Flags().Lookup("reset"))

	rootCmd.AddCommand(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	store := state.NewStore(cfg.StateFile())

	var v state.VehicleState
	if viper.GetBool("state.reset") {
		v = state.Default()
		if err := store.Save(v); err != nil {
			return err
		}
	} else {
		v, err = store.Load()
		if state.IsNotExist(err) {
			v, err = state.Default(), nil
		}
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		state.VehicleState
		DriverReady bool `json:"driver_ready"`
	}{v, v.DriverReady()})
}
