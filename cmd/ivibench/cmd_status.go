package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/ivibench/pkg/state"
	"github.com/jingkaihe/ivibench/pkg/vm/lock"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted vehicle state and which guests are running",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	v, err := state.NewStore(cfg.StateFile()).Load()
	if err != nil && !state.IsNotExist(err) {
		return err
	}
	if state.IsNotExist(err) {
		v = state.Default()
	}

	vehicle := uitable.New()
	vehicle.AddRow("IGNITION", "ENGINE", "ALARM", "DRIVER READY", "UPDATED")
	vehicle.AddRow(v.IgnitionState, onOff(v.EngineRunning), armed(v.AlarmArmed), yesNo(v.DriverReady()), v.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Println(vehicle)
	fmt.Println()

	guests, err := selectGuests(cfg, nil)
	if err != nil {
		return err
	}
	registry := lock.NewRegistry()

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("VM", "STATUS", "PID", "PORTS", "BUSY PORTS")
	for _, g := range guests {
		holders, err := registry.Holders(cmd.Context(), g.spec.Images(), g.spec.Ports)
		if err != nil {
			return err
		}
		owner := lock.Owner{Binary: g.spec.Binary, Images: g.spec.Images()}

		status, pid := "stopped", "-"
		for _, h := range holders {
			if owner.Owns(h) {
				status, pid = "running", strconv.Itoa(h.PID)
				break
			}
		}
		var busy []int
		for _, p := range g.spec.Ports {
			if !lock.PortFree(p) {
				busy = append(busy, p)
			}
		}
		if status == "stopped" && len(busy) > 0 {
			status = "ports busy"
		}
		table.AddRow(g.name, status, pid, joinPorts(g.spec.Ports), joinPorts(busy))
	}
	fmt.Println(table)
	return nil
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	ports = slices.Clone(ports)
	slices.Sort(ports)
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ",")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func armed(b bool) string {
	if b {
		return "armed"
	}
	return "disarmed"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
