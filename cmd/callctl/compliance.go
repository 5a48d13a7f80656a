package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/callwatch/internal/evaluation"
)

var complianceCmd = &cobra.Command{
	Use:   "compliance",
	Short: "Compliance KPIs from the evaluation ledger",
	RunE:  runCompliance,
}

func init() {
	rootCmd.AddCommand(complianceCmd)
}

func runCompliance(_ *cobra.Command, _ []string) error {
	store, _, err := openStore("")
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Evaluations()
	if err != nil {
		return err
	}
	rep := evaluation.BuildComplianceReport(records)
	if flagJSON {
		return printJSON(rep)
	}
	if rep.TotalCalls == 0 {
		fmt.Println("\n  No evaluated calls in " + store.Dir() + ".")
		return nil
	}

	fmt.Println()
	fmt.Println(RenderTitle(fmt.Sprintf("COMPLIANCE  %d calls", rep.TotalCalls)))
	fmt.Println()
	fmt.Print(RenderTable(Table{
		Title:   "Medical boundary",
		Headers: []string{"Metric", "Value"},
		Rows: [][]string{
			{"Compliance rate", target(rep.Compliance.ComplianceRate, rep.Targets.MedicalCompliance, false)},
			{"Boundary violations", fmt.Sprintf("%d (%s)", rep.Compliance.BoundaryViolations, formatPercent(rep.Compliance.BoundaryViolationRate))},
			{"Missing disclaimers", fmt.Sprintf("%d (%s of results calls)", rep.Compliance.MissingDisclaimers, formatPercent(rep.Compliance.MissingDisclaimerRate))},
		},
	}))
	fmt.Println()
	fmt.Print(RenderTable(Table{
		Title:   "KPIs",
		Headers: []string{"KPI", "Value"},
		Rows: [][]string{
			{"Resolution rate", target(rep.KPIs.ResolutionRate, rep.Targets.ResolutionRate, false)},
			{"Escalation rate", target(rep.KPIs.EscalationRate, rep.Targets.EscalationRate, true)},
			{"Billing escalation", formatPercent(rep.KPIs.BillingEscalationRate)},
			{"Anxiety detected", formatPercent(rep.KPIs.AnxietyDetectionRate)},
		},
	}))
	fmt.Println()

	rows := make([][]string, 0, len(rep.SentimentDistribution))
	for _, s := range rep.SortedSentiments() {
		n := rep.SentimentDistribution[s]
		rows = append(rows, []string{string(s), fmt.Sprint(n), formatPercent(float64(n) / float64(rep.TotalCalls) * 100)})
	}
	fmt.Print(RenderTable(Table{
		Title:   "Sentiment",
		Headers: []string{"Sentiment", "Calls", "Share"},
		Rows:    rows,
	}))
	fmt.Println()

	fmt.Println("  " + headerStyle.Render("Alerts"))
	for _, a := range rep.Alerts {
		fmt.Println("  " + RenderAlert(a))
	}
	fmt.Println()
	return nil
}
