package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/callwatch/internal/report"
)

var flagJSON bool

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Cost and latency summary over stored calls",
	RunE:  runSummary,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of tables")
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(_ *cobra.Command, _ []string) error {
	store, _, err := openStore("")
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	sum := report.SummarizeCosts(sessions)
	if flagJSON {
		return printJSON(sum)
	}

	if sum.Calls == 0 {
		fmt.Println("\n  No call reports found in " + store.Dir() + ".")
		return nil
	}

	fmt.Println()
	fmt.Println(RenderTitle(fmt.Sprintf("CALL COSTS  %d calls", sum.Calls)))
	fmt.Println()
	fmt.Print(RenderTable(Table{
		Title:   "Totals",
		Headers: []string{"Metric", "Value"},
		Rows: [][]string{
			{"Calls", fmt.Sprint(sum.Calls)},
			{"Turns", fmt.Sprint(sum.Turns)},
			{"Total time", formatSeconds(sum.TotalDurationSeconds)},
			{"Avg call", formatSeconds(sum.AvgDurationSeconds)},
			{"Total cost", formatCost(sum.TotalCost)},
			{"Avg cost / call", formatCost(sum.AvgCallCost)},
			{"Min / max call", formatCost(sum.MinCallCost) + " / " + formatCost(sum.MaxCallCost)},
			{"Cost / minute", formatCost(sum.CostPerMinute)},
		},
	}))
	fmt.Println()
	fmt.Print(RenderTable(Table{
		Title:   "By stage",
		Headers: []string{"Stage", "Cost", "Share"},
		Rows: [][]string{
			stageRow("STT", sum.ByStage.STT, sum.TotalCost),
			stageRow("LLM", sum.ByStage.LLM, sum.TotalCost),
			stageRow("TTS", sum.ByStage.TTS, sum.TotalCost),
			stageRow("Platform", sum.ByStage.Platform, sum.TotalCost),
		},
	}))
	fmt.Println()
	fmt.Print(RenderTable(Table{
		Title:   "Latency",
		Headers: []string{"Metric", "Average"},
		Rows: [][]string{
			{"End-to-end", formatMs(sum.AvgEndToEndMs)},
			{"LLM first token", formatMs(sum.AvgTTFTMs)},
			{"End-of-utterance delay", formatMs(sum.AvgEOUDelayMs)},
		},
	}))
	fmt.Println()
	return nil
}

func stageRow(name string, cost, total float64) []string {
	share := 0.0
	if total > 0 {
		share = cost / total * 100
	}
	return []string{name, formatCost(cost), formatPercent(share)}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
