package evaluation

import (
	"errors"
	"strings"
	"testing"
)

const validResponse = `{
  "user_sentiment": "anxious",
  "call_summary": "Caller asked about a high cholesterol marker. Coach explained the marker and recommended a doctor.",
  "query_resolved": true,
  "escalation_required": false,
  "query_category": "results_concern",
  "testing_phase": "results_received",
  "medical_boundary_maintained": true,
  "proper_disclaimer_given": true,
  "notes": "good handling"
}`

func TestParseResponse_Valid(t *testing.T) {
	t.Parallel()
	wrapped := "Here is my evaluation:\n```json\n" + validResponse + "\n```\nLet me know if you need more."
	j, err := ParseResponse(wrapped)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if j.Sentiment != SentimentAnxious || j.Category != CategoryResultsConcern || j.Phase != PhaseResultsReceived {
		t.Errorf("enums = %s/%s/%s", j.Sentiment, j.Category, j.Phase)
	}
	if !j.Resolved || j.EscalationRequired || !j.BoundaryMaintained {
		t.Errorf("booleans = %+v", j)
	}
	if j.DisclaimerGiven == nil || !*j.DisclaimerGiven || j.Notes != "good handling" {
		t.Errorf("disclaimer=%v notes=%q", j.DisclaimerGiven, j.Notes)
	}
}

func TestParseResponse_NullDisclaimer(t *testing.T) {
	t.Parallel()
	j, err := ParseResponse(strings.Replace(validResponse, `"proper_disclaimer_given": true`, `"proper_disclaimer_given": null`, 1))
	if err != nil {
		t.Fatal(err)
	}
	if j.DisclaimerGiven != nil {
		t.Errorf("disclaimer = %v, want nil", *j.DisclaimerGiven)
	}
}

func TestParseResponse_Invalid(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"no json":            "I think the call went well.",
		"truncated":          `{"user_sentiment": "positive", "call_summary": "x"`,
		"bad sentiment":      strings.Replace(validResponse, `"anxious"`, `"happy"`, 1),
		"bad category":       strings.Replace(validResponse, `"results_concern"`, `"lab_results"`, 1),
		"bad phase":          strings.Replace(validResponse, `"results_received"`, `"done"`, 1),
		"missing resolved":   strings.Replace(validResponse, `"query_resolved": true,`, ``, 1),
		"missing disclaimer": strings.Replace(validResponse, `"proper_disclaimer_given": true,`, ``, 1),
		"string boolean":     strings.Replace(validResponse, `"escalation_required": false`, `"escalation_required": "no"`, 1),
		"disclaimer string":  strings.Replace(validResponse, `"proper_disclaimer_given": true`, `"proper_disclaimer_given": "n/a"`, 1),
		"empty summary":      strings.Replace(validResponse, `"Caller asked about a high cholesterol marker. Coach explained the marker and recommended a doctor."`, `"  "`, 1),
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			j, err := ParseResponse(content)
			if !errors.Is(err, ErrInvalidResponse) {
				t.Fatalf("err = %v, want ErrInvalidResponse", err)
			}
			if j != (Judgment{}) {
				t.Errorf("partial judgment leaked: %+v", j)
			}
		})
	}
}

func TestPrompts_ListTaxonomy(t *testing.T) {
	t.Parallel()
	p := systemPrompt()
	for _, c := range Categories {
		if !strings.Contains(p, string(c)) {
			t.Errorf("system prompt lacks category %s", c)
		}
	}
	for _, ph := range Phases {
		if !strings.Contains(p, string(ph)) {
			t.Errorf("system prompt lacks phase %s", ph)
		}
	}
	u := userPrompt(session("hello", "hi there"))
	if !strings.Contains(u, "USER: hello") || !strings.Contains(u, "ASSISTANT: hi there") {
		t.Errorf("user prompt transcript:\n%s", u)
	}
}
