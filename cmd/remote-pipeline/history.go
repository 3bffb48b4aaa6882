package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/remote-pipeline/internal/services/history"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent pipeline runs",
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "number of runs to show (0 for all)")
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.History == nil {
		return fmt.Errorf("no history section in %s", configFile)
	}

	store, err := history.Open(cfg.History.Path, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(context.Background(), historyLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPIPELINE\tHOST\tSTATE\tEXIT\tSTARTED\tDURATION\tERROR")
	for _, rec := range records {
		exit := "-"
		if rec.ExitStatus != nil {
			exit = strconv.Itoa(*rec.ExitStatus)
		}
		state := rec.State
		if rec.FailedIn != "" {
			state += " (" + rec.FailedIn + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Pipeline, rec.Host, state, exit,
			humanize.Time(rec.StartedAt), rec.Duration.Round(time.Second), rec.Error)
	}
	return w.Flush()
}
