package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored calls",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(_ *cobra.Command, _ []string) error {
	store, _, err := openStore("")
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("\n  No call reports found in " + store.Dir() + ".")
		return nil
	}

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		doc, err := store.Get(id)
		if err != nil {
			rows = append(rows, []string{id, dimStyle.Render(err.Error()), "", "", "", ""})
			continue
		}
		row := []string{id, "-", "-", "-", "-", "-"}
		if m := doc.Metrics; m != nil {
			row[1] = m.TerminationReason
			row[2] = formatSeconds(m.DurationSeconds)
			row[3] = formatCost(m.Totals.TotalCost)
		}
		if e := doc.Evaluation; e != nil {
			row[4] = string(e.Core.Sentiment)
			row[5] = okStyle.Render("ok")
			if len(e.Flags) > 0 {
				row[5] = RenderAlert(strings.Join(e.Flags, "\n"))
			}
		}
		rows = append(rows, row)
	}

	fmt.Println()
	fmt.Print(RenderTable(Table{
		Title:   fmt.Sprintf("%d calls in %s", len(ids), store.Dir()),
		Headers: []string{"Call", "Ended by", "Duration", "Cost", "Sentiment", "Flags"},
		Rows:    rows,
	}))
	fmt.Println()
	return nil
}
