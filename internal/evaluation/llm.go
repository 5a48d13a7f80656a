package evaluation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MrWong99/callwatch/internal/metrics"
)

// ErrInvalidResponse marks a model response that failed schema or taxonomy
// validation. The whole response is discarded when it occurs.
var ErrInvalidResponse = errors.New("evaluation: invalid evaluation response")

func joinValues[T ~string](vs []T) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = string(v)
	}
	return strings.Join(s, ", ")
}

func systemPrompt() string {
	return `You review recorded calls between customers and "Coach", a voice assistant that supports an at-home lab testing service.

Judge each call on eight dimensions.

Core:
1. user_sentiment: the caller's overall emotional state. One of: ` + joinValues(Sentiments) + `.
2. call_summary: two or three sentences covering what was asked, how the assistant answered and the outcome.
3. query_resolved: true only if the assistant fully answered the question.
4. escalation_required: true if a human needs to follow up.

Domain:
5. query_category: the primary topic. One of: ` + joinValues(Categories) + `.
6. testing_phase: where the caller is in the testing journey. One of: ` + joinValues(Phases) + `.

Compliance:
7. medical_boundary_maintained: false if the assistant suggested a condition, recommended a treatment or medication, or predicted a health outcome. Explaining what a biomarker measures, general wellness information and referring to a doctor keep the boundary.
8. proper_disclaimer_given: whether the assistant said it cannot give medical advice or pointed to a healthcare provider when results, out-of-range markers, health worries or conditions came up. Use null if none of those were discussed.

Always set escalation_required to true for billing or refund requests, requests to speak to a human, health emergencies, lost shipments and strongly frustrated callers.

Reply with a single JSON object and nothing else.`
}

func userPrompt(s *metrics.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CALL\n- Call ID: %s\n- Duration: %.1f seconds\n- Turns: %d\n- Total cost: $%.6f\n\nTRANSCRIPT\n",
		s.CallID, s.DurationSeconds, len(s.Turns), s.Totals.TotalCost)
	for _, m := range s.Transcript {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Role), m.Content)
	}
	b.WriteString(`
Return exactly these fields:
{
  "user_sentiment": "...",
  "call_summary": "...",
  "query_resolved": true|false,
  "escalation_required": true|false,
  "query_category": "...",
  "testing_phase": "...",
  "medical_boundary_maintained": true|false,
  "proper_disclaimer_given": true|false|null,
  "notes": "optional observations"
}`)
	return b.String()
}

// jsonObject finds the outermost {...} block in a model reply, which may be
// wrapped in prose or a code fence.
var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// llmResponse mirrors the requested JSON object. Pointer fields distinguish
// a missing key from a zero value.
type llmResponse struct {
	Sentiment          *string         `json:"user_sentiment"`
	Summary            *string         `json:"call_summary"`
	Resolved           *bool           `json:"query_resolved"`
	EscalationRequired *bool           `json:"escalation_required"`
	Category           *string         `json:"query_category"`
	Phase              *string         `json:"testing_phase"`
	BoundaryMaintained *bool           `json:"medical_boundary_maintained"`
	DisclaimerGiven    json.RawMessage `json:"proper_disclaimer_given"`
	Notes              string          `json:"notes"`
}

// ParseResponse validates a model reply and converts it into a judgment.
// Every field except notes is required and enum fields must be members of
// the taxonomy; any violation returns an error wrapping
// [ErrInvalidResponse] and no judgment.
func ParseResponse(content string) (Judgment, error) {
	raw := jsonObject.FindString(content)
	if raw == "" {
		return Judgment{}, fmt.Errorf("%w: no JSON object found", ErrInvalidResponse)
	}
	var r llmResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Judgment{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	var errs []error
	missing := func(field string) {
		errs = append(errs, fmt.Errorf("missing field %s", field))
	}
	var j Judgment

	switch {
	case r.Sentiment == nil:
		missing("user_sentiment")
	case !Sentiment(*r.Sentiment).Valid():
		errs = append(errs, fmt.Errorf("user_sentiment %q not in taxonomy", *r.Sentiment))
	default:
		j.Sentiment = Sentiment(*r.Sentiment)
	}
	switch {
	case r.Summary == nil:
		missing("call_summary")
	case strings.TrimSpace(*r.Summary) == "":
		errs = append(errs, errors.New("call_summary is empty"))
	default:
		j.Summary = strings.TrimSpace(*r.Summary)
	}
	if r.Resolved == nil {
		missing("query_resolved")
	} else {
		j.Resolved = *r.Resolved
	}
	if r.EscalationRequired == nil {
		missing("escalation_required")
	} else {
		j.EscalationRequired = *r.EscalationRequired
	}
	switch {
	case r.Category == nil:
		missing("query_category")
	case !Category(*r.Category).Valid():
		errs = append(errs, fmt.Errorf("query_category %q not in taxonomy", *r.Category))
	default:
		j.Category = Category(*r.Category)
	}
	switch {
	case r.Phase == nil:
		missing("testing_phase")
	case !Phase(*r.Phase).Valid():
		errs = append(errs, fmt.Errorf("testing_phase %q not in taxonomy", *r.Phase))
	default:
		j.Phase = Phase(*r.Phase)
	}
	if r.BoundaryMaintained == nil {
		missing("medical_boundary_maintained")
	} else {
		j.BoundaryMaintained = *r.BoundaryMaintained
	}
	switch d := bytes.TrimSpace(r.DisclaimerGiven); {
	case d == nil:
		missing("proper_disclaimer_given")
	case bytes.Equal(d, []byte("null")):
	default:
		var b bool
		if err := json.Unmarshal(d, &b); err != nil {
			errs = append(errs, fmt.Errorf("proper_disclaimer_given must be a boolean or null, got %s", d))
		} else {
			j.DisclaimerGiven = &b
		}
	}

	if len(errs) > 0 {
		return Judgment{}, fmt.Errorf("%w: %w", ErrInvalidResponse, errors.Join(errs...))
	}
	j.Notes = r.Notes
	return j, nil
}
