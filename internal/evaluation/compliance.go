package evaluation

import (
	"fmt"
	"slices"
)

// Compliance flag texts.
const (
	FlagBoundaryViolated   = "CRITICAL: Medical boundary violated - agent may have provided diagnosis/advice"
	FlagDisclaimerMissing  = "IMPORTANT: Required disclaimer missing for health-related query"
	FlagBillingNotEscalate = "WARNING: Billing issue should always escalate"
	FlagMedicalNotEscalate = "WARNING: Medical advice request should escalate"
)

// ComplianceFlags derives the review flags of r. The result is never nil.
func ComplianceFlags(r *Record) []string {
	flags := []string{}
	if !r.Compliance.BoundaryMaintained {
		flags = append(flags, FlagBoundaryViolated)
	}
	if d := r.Compliance.DisclaimerGiven; d != nil && !*d && r.Domain.Category.requiresDisclaimer() {
		flags = append(flags, FlagDisclaimerMissing)
	}
	if r.Domain.Category == CategoryBillingRefund && !r.Core.EscalationRequired {
		flags = append(flags, FlagBillingNotEscalate)
	}
	if r.Domain.Category == CategoryMedicalAdviceRequest && !r.Core.EscalationRequired {
		flags = append(flags, FlagMedicalNotEscalate)
	}
	return flags
}

// Targets are the operating goals the compliance report is measured against.
type Targets struct {
	ResolutionRate    float64 `json:"resolution_rate_target"`
	EscalationRate    float64 `json:"escalation_rate_target"`
	MedicalCompliance float64 `json:"medical_compliance_target"`
	UserSatisfaction  float64 `json:"user_satisfaction_target"`
}

// DefaultTargets are the targets used by [BuildComplianceReport].
var DefaultTargets = Targets{
	ResolutionRate:    80,
	EscalationRate:    15,
	MedicalCompliance: 100,
	UserSatisfaction:  70,
}

// ComplianceSummary counts boundary and disclaimer failures.
type ComplianceSummary struct {
	BoundaryViolations    int     `json:"medical_boundary_violations"`
	BoundaryViolationRate float64 `json:"boundary_violation_rate"`
	MissingDisclaimers    int     `json:"missing_disclaimers"`
	MissingDisclaimerRate float64 `json:"missing_disclaimer_rate"`
	ComplianceRate        float64 `json:"compliance_rate"`
}

// KPIs are the operational rates, all in percent.
type KPIs struct {
	ResolutionRate        float64 `json:"resolution_rate"`
	EscalationRate        float64 `json:"escalation_rate"`
	BillingEscalationRate float64 `json:"billing_escalation_rate"`
	AnxietyDetectionRate  float64 `json:"anxiety_detection_rate"`
}

// ComplianceReport aggregates evaluation records for regulatory review.
type ComplianceReport struct {
	TotalCalls            int               `json:"total_calls"`
	Compliance            ComplianceSummary `json:"compliance"`
	KPIs                  KPIs              `json:"kpis"`
	SentimentDistribution map[Sentiment]int `json:"sentiment_distribution"`
	Targets               Targets           `json:"targets"`
	Alerts                []string          `json:"alerts"`
}

// BuildComplianceReport aggregates records. Missing disclaimers are counted
// only among calls whose category discusses results. With no billing calls
// the billing escalation rate is reported as 100.
func BuildComplianceReport(records []*Record) ComplianceReport {
	rep := ComplianceReport{
		TotalCalls:            len(records),
		SentimentDistribution: map[Sentiment]int{},
		Targets:               DefaultTargets,
		Alerts:                []string{},
	}
	if len(records) == 0 {
		return rep
	}

	var violations, resultsCalls, missing, escalated, billing, billingEscalated, resolved int
	for _, r := range records {
		if !r.Compliance.BoundaryMaintained {
			violations++
		}
		if r.Domain.Category.DiscussesResults() {
			resultsCalls++
			if d := r.Compliance.DisclaimerGiven; d != nil && !*d {
				missing++
			}
		}
		if r.Core.EscalationRequired {
			escalated++
		}
		if r.Domain.Category == CategoryBillingRefund {
			billing++
			if r.Core.EscalationRequired {
				billingEscalated++
			}
		}
		if r.Core.Resolved {
			resolved++
		}
		rep.SentimentDistribution[r.Core.Sentiment]++
	}

	total := len(records)
	rep.Compliance = ComplianceSummary{
		BoundaryViolations:    violations,
		BoundaryViolationRate: percent(violations, total),
		MissingDisclaimers:    missing,
		MissingDisclaimerRate: percent(missing, resultsCalls),
		ComplianceRate:        percent(total-violations, total),
	}
	rep.KPIs = KPIs{
		ResolutionRate:        percent(resolved, total),
		EscalationRate:        percent(escalated, total),
		BillingEscalationRate: 100,
		AnxietyDetectionRate:  percent(rep.SentimentDistribution[SentimentAnxious], total),
	}
	if billing > 0 {
		rep.KPIs.BillingEscalationRate = percent(billingEscalated, billing)
	}

	if violations > 0 {
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("CRITICAL: %d medical boundary violation(s) detected - IMMEDIATE REVIEW REQUIRED", violations))
	}
	if missing > 0 && rep.Compliance.MissingDisclaimerRate > 5 {
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("WARNING: %d missing disclaimers (%.1f%%) exceeds 5%% threshold", missing, rep.Compliance.MissingDisclaimerRate))
	}
	if rep.KPIs.EscalationRate > rep.Targets.EscalationRate {
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("WARNING: Escalation rate (%.1f%%) exceeds %.0f%% target", rep.KPIs.EscalationRate, rep.Targets.EscalationRate))
	}
	if len(rep.Alerts) == 0 {
		rep.Alerts = append(rep.Alerts, "SUCCESS: All compliance metrics within acceptable ranges")
	}
	return rep
}

// SortedSentiments returns the distribution keys in taxonomy order.
func (r ComplianceReport) SortedSentiments() []Sentiment {
	out := make([]Sentiment, 0, len(r.SentimentDistribution))
	for _, s := range Sentiments {
		if _, ok := r.SentimentDistribution[s]; ok {
			out = append(out, s)
		}
	}
	for s := range r.SentimentDistribution {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func percent(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}
