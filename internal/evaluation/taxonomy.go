package evaluation

import "slices"

// Sentiment is the caller's emotional state over the call.
type Sentiment string

const (
	SentimentPositive   Sentiment = "positive"
	SentimentNeutral    Sentiment = "neutral"
	SentimentConfused   Sentiment = "confused"
	SentimentAnxious    Sentiment = "anxious"
	SentimentFrustrated Sentiment = "frustrated"
)

// Sentiments lists every valid sentiment.
var Sentiments = []Sentiment{
	SentimentPositive, SentimentNeutral, SentimentConfused, SentimentAnxious, SentimentFrustrated,
}

// Valid reports whether s is part of the taxonomy.
func (s Sentiment) Valid() bool { return slices.Contains(Sentiments, s) }

// Category is the primary topic of the call.
type Category string

const (
	CategoryTestKitInfo           Category = "test_kit_info"
	CategoryOrderingPurchase      Category = "ordering_purchase"
	CategoryDeliveryShipping      Category = "delivery_shipping"
	CategoryKitRegistration       Category = "kit_registration"
	CategorySampleCollection      Category = "sample_collection"
	CategoryFastingRequirements   Category = "fasting_requirements"
	CategorySampleShipping        Category = "sample_shipping"
	CategoryResultsGeneral        Category = "results_general"
	CategoryBiomarkerExplanation  Category = "biomarker_explanation"
	CategoryResultsInterpretation Category = "results_interpretation"
	CategoryResultsConcern        Category = "results_concern"
	CategorySampleRejection       Category = "sample_rejection"
	CategoryTechnicalIssue        Category = "technical_issue"
	CategoryMedicalAdviceRequest  Category = "medical_advice_request"
	CategoryBillingRefund         Category = "billing_refund"
	CategoryGeneralInquiry        Category = "general_inquiry"
)

// Categories lists all sixteen categories in display order.
var Categories = []Category{
	CategoryTestKitInfo,
	CategoryOrderingPurchase, CategoryDeliveryShipping,
	CategoryKitRegistration,
	CategorySampleCollection, CategoryFastingRequirements, CategorySampleShipping,
	CategoryResultsGeneral, CategoryBiomarkerExplanation, CategoryResultsInterpretation, CategoryResultsConcern,
	CategorySampleRejection, CategoryTechnicalIssue,
	CategoryMedicalAdviceRequest, CategoryBillingRefund, CategoryGeneralInquiry,
}

// Valid reports whether c is part of the taxonomy.
func (c Category) Valid() bool { return slices.Contains(Categories, c) }

// DiscussesResults reports whether calls of this category talk about test
// results, which is when a disclaimer is expected.
func (c Category) DiscussesResults() bool {
	switch c {
	case CategoryResultsConcern, CategoryResultsInterpretation, CategoryBiomarkerExplanation, CategoryMedicalAdviceRequest:
		return true
	}
	return false
}

// requiresDisclaimer reports whether a missing disclaimer is flagged for c.
func (c Category) requiresDisclaimer() bool {
	switch c {
	case CategoryResultsConcern, CategoryResultsInterpretation, CategoryMedicalAdviceRequest:
		return true
	}
	return false
}

// Phase is the caller's position in the testing journey.
type Phase string

const (
	PhasePrePurchase      Phase = "pre_purchase"
	PhasePostOrder        Phase = "post_order"
	PhaseKitReceived      Phase = "kit_received"
	PhasePreCollection    Phase = "pre_collection"
	PhaseDuringCollection Phase = "during_collection"
	PhasePostCollection   Phase = "post_collection"
	PhaseResultsReceived  Phase = "results_received"
	PhaseUnknown          Phase = "unknown"
)

// Phases lists all eight phases in journey order.
var Phases = []Phase{
	PhasePrePurchase, PhasePostOrder, PhaseKitReceived, PhasePreCollection,
	PhaseDuringCollection, PhasePostCollection, PhaseResultsReceived, PhaseUnknown,
}

// Valid reports whether p is part of the taxonomy.
func (p Phase) Valid() bool { return slices.Contains(Phases, p) }

// Method records which path produced a record.
type Method string

const (
	MethodLLM       Method = "llm"
	MethodHeuristic Method = "heuristic"
)

// Version is stamped on every record.
const Version = "1.0"
