package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/pkg/bench"
	"github.com/jingkaihe/ivibench/pkg/logging"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the event journal",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().String("run", "", "Only events of this run id")
	eventsCmd.Flags().String("type", "", "Only events of this type")
	eventsCmd.Flags().Int("limit", 50, "Show at most this many of the newest events")
	eventsCmd.Flags().Bool("json", false, "Print one JSON event per line")

	viper.BindPFlag("events.run", eventsCmd.Flags().Lookup("run"))
	viper.BindPFlag("events.type", eventsCmd.Flags().Lookup("type"))
	viper.BindPFlag("events.limit", eventsCmd.Flags().Lookup("limit"))
	viper.BindPFlag("events.json", eventsCmd.Flags().Lookup("json"))

	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	j, err := logging.OpenJournal(filepath.Join(cfg.DataDir(), bench.JournalFile))
	if err != nil {
		return err
	}
	defer j.Close()

	events, err := j.Events(logging.Query{
		RunID:     viper.GetString("events.run"),
		EventType: viper.GetString("events.type"),
		Limit:     viper.GetInt("events.limit"),
	})
	if err != nil {
		return err
	}

	if viper.GetBool("events.json") {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 70
	table.AddRow("TIME", "RUN", "TYPE", "COMPONENT", "SUMMARY")
	for _, e := range events {
		table.AddRow(e.Timestamp.Local().Format("15:04:05.000"), shortRunID(e.RunID), e.EventType, e.Component, e.Summary)
	}
	fmt.Println(table)
	return nil
}

// shortRunID trims a uuid to its first group.
func shortRunID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
