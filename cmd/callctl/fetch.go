package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/MrWong99/callwatch/pkg/reportclient"
)

var flagRoom string

var fetchCmd = &cobra.Command{
	Use:   "fetch [call-id]",
	Short: "Fetch a call report from a running server",
	Long: "Fetch the merged report of one call. With --room the newest call of the\n" +
		"room is searched, polling with backoff until its report appears.",
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room name to search for")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	if (flagRoom == "") == (len(args) == 0) {
		return errors.New("give either a call id or --room")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	client := reportclient.New(flagServer,
		reportclient.WithLogger(slog.Default()),
		reportclient.WithBackoff(reportclient.Backoff{
			Attempts: cfg.Retrieval.Attempts,
			Initial:  cfg.Retrieval.InitialBackoff,
			Max:      cfg.Retrieval.MaxBackoff,
		}),
	)

	var doc *reportclient.Document
	if flagRoom != "" {
		doc, err = client.Await(ctx, flagRoom)
	} else {
		doc, err = client.Get(ctx, args[0])
	}
	switch {
	case errors.Is(err, reportclient.ErrGaveUp):
		return fmt.Errorf("no report for room %q yet: %w", flagRoom, err)
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	}
	return printJSON(doc)
}
