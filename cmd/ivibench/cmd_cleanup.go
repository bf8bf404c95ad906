package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/vm/lock"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [hu|cluster|all]",
	Short: "Terminate stale guest processes and free their ports",
	Long: `Find processes holding guest images or guest ports. QEMU processes started
from the configured binaries are terminated. Anything else is reported and
left alone.`,
	ValidArgs: []string{"hu", "cluster", "all"},
	Args:      cobra.MaximumNArgs(1),
	RunE:      runCleanup,
}

func init() {
	cleanupCmd.Flags().Bool("dry-run", false, "Only list holders")
	viper.BindPFlag("cleanup.dry_run", cleanupCmd.Flags().Lookup("dry-run"))

	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	guests, err := selectGuests(cfg, args)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	registry := lock.NewRegistry()
	dryRun := viper.GetBool("cleanup.dry_run")

	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true
	table.AddRow("VM", "ACTION", "PID", "HOLDS", "COMMAND")

	var busy []string
	for _, g := range guests {
		owner := lock.Owner{Binary: g.spec.Binary, Images: g.spec.Images()}

		if dryRun {
			holders, err := registry.Holders(ctx, g.spec.Images(), g.spec.Ports)
			if err != nil {
				return err
			}
			for _, h := range holders {
				action := "foreign"
				if owner.Owns(h) {
					action = "stale"
				}
				table.AddRow(g.name, action, h.PID, holds(h), h.Cmdline)
			}
			continue
		}

		c := &lock.Cleaner{
			Registry: registry,
			Owner:    owner,
			TermWait: cfg.Orchestrator.KillTimeout,
			PortWait: cfg.Orchestrator.PortWaitTimeout,
			Logger:   slog.Default(),
		}
		rep, err := c.Clean(ctx, g.spec.Images(), g.spec.Ports)
		for _, h := range rep.Terminated {
			table.AddRow(g.name, lock.ActionTerminated, h.PID, holds(h), h.Cmdline)
		}
		for _, h := range rep.Conflicts {
			table.AddRow(g.name, lock.ActionConflict, h.PID, holds(h), h.Cmdline)
		}
		for _, p := range rep.BusyPorts {
			table.AddRow(g.name, "busy", "-", "port "+strconv.Itoa(p), "-")
		}
		if err != nil {
			if !errors.Is(err, lock.ErrResourceConflict) {
				return err
			}
			busy = append(busy, g.name)
		}
	}

	if len(table.Rows) > 1 {
		fmt.Println(table)
	} else {
		fmt.Println("nothing to clean up")
	}
	if len(busy) > 0 {
		return errx.With(ErrResourcesBusy, ": %s", strings.Join(busy, ", "))
	}
	return nil
}

func holds(h lock.Holder) string {
	parts := append([]string(nil), h.Paths...)
	for _, p := range h.Ports {
		parts = append(parts, "port "+strconv.Itoa(p))
	}
	return strings.Join(parts, ", ")
}
