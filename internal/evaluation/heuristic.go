package evaluation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/pkg/types"
)

// phrase is a keyword or key phrase, pre-split into words.
type phrase []string

func phrases(ss ...string) []phrase {
	out := make([]phrase, 0, len(ss))
	for _, s := range ss {
		out = append(out, phrase(words(s)))
	}
	return out
}

// words lower-cases s and splits it on anything but letters and digits.
// Apostrophes are dropped first so "don't" becomes "dont".
func words(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "'", "")
	s = strings.ReplaceAll(s, "’", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// in reports whether p occurs in ws as consecutive whole words.
func (p phrase) in(ws []string) bool {
	if len(p) == 0 || len(p) > len(ws) {
		return false
	}
	for i := 0; i+len(p) <= len(ws); i++ {
		match := true
		for j := range p {
			if ws[i+j] != p[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func anyIn(ps []phrase, ws []string) bool {
	for _, p := range ps {
		if p.in(ws) {
			return true
		}
	}
	return false
}

type weighted struct {
	p      phrase
	weight int
}

func weights(m map[string]int) []weighted {
	out := make([]weighted, 0, len(m))
	for s, w := range m {
		out = append(out, weighted{p: words(s), weight: w})
	}
	return out
}

// sentimentBuckets are scored over caller messages. On equal scores the
// earlier bucket wins.
var sentimentBuckets = []struct {
	sentiment Sentiment
	keywords  []weighted
}{
	{SentimentFrustrated, weights(map[string]int{
		"frustrated": 3, "frustrating": 3, "ridiculous": 3, "unacceptable": 3, "useless": 3,
		"waste of time": 3, "angry": 3, "annoyed": 2, "still havent": 2, "not working": 2,
		"this is the third time": 3, "fed up": 3,
	})},
	{SentimentAnxious, weights(map[string]int{
		"worried": 3, "scared": 3, "afraid": 3, "anxious": 3, "nervous": 2, "concerned": 2,
		"is it serious": 3, "should i be worried": 3, "is that bad": 2, "panic": 3, "freaking out": 3,
	})},
	{SentimentConfused, weights(map[string]int{
		"confused": 3, "confusing": 3, "dont understand": 3, "what does that mean": 2,
		"i dont get it": 2, "unclear": 2, "not sure": 1, "lost": 1, "what do you mean": 2,
	})},
	{SentimentPositive, weights(map[string]int{
		"thank you": 1, "thanks": 1, "great": 2, "perfect": 2, "helpful": 2, "awesome": 2,
		"that helps": 2, "appreciate": 2, "wonderful": 2, "excellent": 2,
	})},
}

// categoryTable is checked in order for every caller message; the first
// hit wins. Specific categories precede the broad ones they overlap with.
var categoryTable = []struct {
	category Category
	keywords []phrase
}{
	{CategoryMedicalAdviceRequest, phrases(
		"do i have", "should i take", "should i stop taking", "what medication", "what supplement should",
		"diagnose", "diagnosis", "treatment", "is it cancer", "am i sick", "prescribe", "what dose",
	)},
	{CategoryBillingRefund, phrases(
		"refund", "charged", "charge", "billing", "money back", "invoice", "overcharged", "cancel my order",
	)},
	{CategorySampleRejection, phrases(
		"rejected", "rejection", "insufficient sample", "could not be processed", "couldnt be processed",
		"unable to process", "new kit because",
	)},
	{CategoryResultsConcern, phrases(
		"out of range", "red marker", "abnormal", "flagged", "too high", "too low", "worried about my results",
		"bad results", "results are high", "results are low",
	)},
	{CategoryResultsInterpretation, phrases(
		"what do my results mean", "interpret", "interpretation", "is my level", "my results show",
		"what does my result", "explain my results", "is that normal", "normal range",
	)},
	{CategoryBiomarkerExplanation, phrases(
		"biomarker", "biomarkers", "vitamin d", "omega 3", "omega", "hba1c", "a1c", "cholesterol",
		"ferritin", "magnesium", "what does it measure", "marker",
	)},
	{CategoryResultsGeneral, phrases(
		"results", "result", "report", "when will i get",
	)},
	{CategoryFastingRequirements, phrases(
		"fasting", "should i fast", "need to fast", "fast before", "eat before", "drink before",
		"empty stomach", "coffee before",
	)},
	{CategorySampleShipping, phrases(
		"send my sample", "send the sample", "ship my sample", "mail my sample", "mail the sample",
		"return envelope", "prepaid envelope", "drop off", "return label",
	)},
	{CategorySampleCollection, phrases(
		"collect", "collection", "finger prick", "lancet", "blood drop", "blood spot", "prick", "collection card",
		"how much blood", "swab",
	)},
	{CategoryKitRegistration, phrases(
		"register", "registration", "activate", "activation", "kit id", "barcode", "serial number",
	)},
	{CategoryDeliveryShipping, phrases(
		"delivery", "tracking", "shipped", "shipping", "hasnt arrived", "where is my kit", "lost package",
		"not arrived", "never arrived",
	)},
	{CategoryOrderingPurchase, phrases(
		"order", "buy", "purchase", "price", "how much does", "discount", "subscription", "checkout",
	)},
	{CategoryTechnicalIssue, phrases(
		"app", "website", "login", "log in", "password", "error", "crash", "crashes", "not loading", "bug",
	)},
	{CategoryTestKitInfo, phrases(
		"test kit", "kit include", "whats included", "what is included", "which test", "panel",
		"what does the kit", "what tests",
	)},
}

// phaseTable is checked like categoryTable.
var phaseTable = []struct {
	phase    Phase
	keywords []phrase
}{
	{PhaseDuringCollection, phrases(
		"right now", "doing it now", "im collecting", "im doing the test", "not enough blood",
		"blood wont", "pricked my finger", "filling the card",
	)},
	{PhasePostCollection, phrases(
		"already sent", "sent it back", "mailed it", "mailed my sample", "sent my sample",
		"waiting for my results", "waiting for results", "when will i get my results", "how long for results",
	)},
	{PhaseResultsReceived, phrases(
		"my results", "got my results", "results came", "results are in", "my report", "my levels",
	)},
	{PhaseKitReceived, phrases(
		"received my kit", "got my kit", "kit arrived", "kit came", "register my kit", "just got the kit",
	)},
	{PhasePreCollection, phrases(
		"before collecting", "before the test", "before i collect", "should i fast", "prepare", "preparing",
	)},
	{PhasePostOrder, phrases(
		"ordered", "tracking", "hasnt arrived", "where is my kit", "not arrived", "never arrived", "my order",
	)},
	{PhasePrePurchase, phrases(
		"thinking about buying", "before i buy", "want to buy", "how much does", "interested in",
		"which test should", "should i order",
	)},
}

var (
	escalationPhrases = phrases(
		"speak to a human", "talk to a human", "speak to a person", "talk to a person", "real person",
		"representative", "speak to someone", "talk to someone", "manager", "supervisor", "customer service",
		"urgent", "emergency", "chest pain", "cant breathe", "lost package", "lost my kit", "never arrived",
	)
	unresolvedPhrases = phrases(
		"that didnt help", "doesnt help", "still dont understand", "still dont know", "not what i asked",
		"you didnt answer", "never mind", "forget it", "that doesnt answer",
	)
	disclaimerPhrases = phrases(
		"not medical advice", "cant provide medical advice", "cannot provide medical advice",
		"cant give medical advice", "cannot give medical advice", "not able to give medical advice",
		"consult your healthcare provider", "consult your doctor", "talk to your doctor", "speak with your doctor",
		"speak to your doctor", "healthcare professional", "healthcare provider", "cant diagnose", "cannot diagnose",
		"not a diagnosis",
	)
	resultsPhrases = phrases(
		"results", "result", "biomarker", "biomarkers", "levels", "level", "report", "marker", "markers",
	)
)

// diagnosisPattern matches assistant statements that diagnose or prescribe.
var diagnosisPattern = regexp.MustCompile(`(?i)\b(?:` +
	`you (?:probably |likely |definitely |clearly |may |might |could )?(?:have|are suffering from|suffer from) (?:a |an )?(?:\w+ )?` +
	`(?:condition|disease|disorder|deficiency|infection|diabetes|prediabetes|cancer|anemia|anaemia|hypothyroidism|hyperthyroidism|syndrome|insufficiency)` +
	`|you are (?:diabetic|anemic|anaemic|prediabetic)` +
	`|this (?:means|indicates|confirms) (?:that )?you have` +
	`|you should (?:start|stop|begin) taking` +
	`|you (?:should|need to) take \d+` +
	`|i (?:would )?(?:recommend|suggest|prescribe) (?:taking|starting|stopping) ` +
	`|my diagnosis` +
	`|i diagnose` +
	`)`)

// negationCues cancel a diagnosis match when they appear shortly before it,
// as in "I can't tell you whether you have a condition".
var negationCues = []string{"not ", "n't ", "cannot ", "whether ", " if ", "unable to "}

func diagnoses(text string) bool {
	lower := strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	for _, loc := range diagnosisPattern.FindAllStringIndex(lower, -1) {
		start := max(0, loc[0]-40)
		window := lower[start:loc[0]]
		negated := false
		for _, cue := range negationCues {
			if strings.Contains(window, cue) {
				negated = true
				break
			}
		}
		if !negated {
			return true
		}
	}
	return false
}

// diagnosticReply returns the first agent message that diagnoses or
// prescribes.
func diagnosticReply(transcript []types.Message) (string, bool) {
	for _, m := range transcript {
		if m.Role == types.RoleAssistant && diagnoses(m.Content) {
			return m.Content, true
		}
	}
	return "", false
}

type message struct {
	role  string
	text  string
	words []string
}

func split(transcript []types.Message) []message {
	out := make([]message, 0, len(transcript))
	for _, m := range transcript {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, message{role: m.Role, text: m.Content, words: words(m.Content)})
	}
	return out
}

// Heuristic classifies a call from keyword tables. It is deterministic and
// never fails.
func Heuristic(s *metrics.Session) Judgment {
	msgs := split(s.Transcript)
	var user, agent []message
	for _, m := range msgs {
		switch m.role {
		case types.RoleUser:
			user = append(user, m)
		case types.RoleAssistant:
			agent = append(agent, m)
		}
	}

	j := Judgment{
		Sentiment:          SentimentNeutral,
		Category:           CategoryGeneralInquiry,
		Phase:              PhaseUnknown,
		BoundaryMaintained: true,
	}
	var cues []string

	scores := make([]int, len(sentimentBuckets))
	for _, m := range user {
		for i, b := range sentimentBuckets {
			for _, kw := range b.keywords {
				if kw.p.in(m.words) {
					scores[i] += kw.weight
				}
			}
		}
	}
	best := -1
	for i, sc := range scores {
		if sc > 0 && (best < 0 || sc > scores[best]) {
			best = i
		}
	}
	if best >= 0 {
		j.Sentiment = sentimentBuckets[best].sentiment
	}

category:
	for _, m := range user {
		for _, row := range categoryTable {
			if anyIn(row.keywords, m.words) {
				j.Category = row.category
				break category
			}
		}
	}
phase:
	for _, m := range user {
		for _, row := range phaseTable {
			if anyIn(row.keywords, m.words) {
				j.Phase = row.phase
				break phase
			}
		}
	}

	humanRequested := false
	for _, m := range user {
		if anyIn(escalationPhrases, m.words) {
			humanRequested = true
			break
		}
	}
	strongFrustration := scores[0] >= 5
	j.EscalationRequired = humanRequested || strongFrustration ||
		j.Category == CategoryBillingRefund || j.Category == CategoryMedicalAdviceRequest
	if humanRequested {
		cues = append(cues, "caller asked for a human or reported an urgent issue")
	}

	unresolved := false
	for _, m := range user {
		if anyIn(unresolvedPhrases, m.words) {
			unresolved = true
			break
		}
	}
	j.Resolved = len(agent) > 0 && !unresolved && !j.EscalationRequired

	if _, ok := diagnosticReply(s.Transcript); ok {
		j.BoundaryMaintained = false
		cues = append(cues, "agent used diagnostic language")
	}

	j.DisclaimerGiven = disclaimer(msgs, j.Category)
	j.Summary = summarize(j, len(user), s.DurationSeconds)
	j.Notes = "Heuristic keyword evaluation"
	if len(cues) > 0 {
		j.Notes += ": " + strings.Join(cues, "; ")
	}
	return j
}

// disclaimer returns nil when results were not discussed; otherwise whether
// the agent gave a disclaimer at or after the first results mention.
func disclaimer(msgs []message, c Category) *bool {
	first := -1
	for i, m := range msgs {
		if anyIn(resultsPhrases, m.words) {
			first = i
			break
		}
	}
	if first < 0 {
		if !c.DiscussesResults() {
			return nil
		}
		first = 0
	}
	for _, m := range msgs[first:] {
		if m.role == types.RoleAssistant && anyIn(disclaimerPhrases, m.words) {
			return boolPtr(true)
		}
	}
	return boolPtr(false)
}

func summarize(j Judgment, userTurns int, duration float64) string {
	if userTurns == 0 {
		return fmt.Sprintf("Call ended after %.0f seconds without the caller asking anything. No query was raised.", duration)
	}
	topic := strings.ReplaceAll(string(j.Category), "_", " ")
	phase := strings.ReplaceAll(string(j.Phase), "_", " ")
	first := fmt.Sprintf("A %s caller asked about %s over %d turn(s) in %.0f seconds.", j.Sentiment, topic, userTurns, duration)
	if j.Phase == PhaseUnknown {
		first = fmt.Sprintf("A %s caller asked about %s over %d turn(s) in %.0f seconds; the testing phase was unclear.", j.Sentiment, topic, userTurns, duration)
	} else {
		first += fmt.Sprintf(" The caller appeared to be in the %s phase.", phase)
	}
	var outcome string
	switch {
	case j.EscalationRequired:
		outcome = "The call needs human follow-up."
	case j.Resolved:
		outcome = "The agent addressed the question."
	default:
		outcome = "The question does not appear to have been resolved."
	}
	return first + " " + outcome
}
