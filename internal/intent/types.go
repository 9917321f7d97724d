// Package intent classifies queries before retrieval: what kind of answer
// the user wants, and whether the content is safe to serve. Classification
// runs on an LLM when one is reachable and falls back to a sensitive-word
// automaton and pattern rules; the rule surface is hot-swappable at runtime.
package intent

import "time"

// Type names the purpose of a query.
type Type string

const (
	KnowledgeQuery     Type = "knowledge_query"
	FactualQuestion    Type = "factual_question"
	AnalyticalQuestion Type = "analytical_question"
	ProceduralQuestion Type = "procedural_question"
	CreativeRequest    Type = "creative_request"
	IllegalContent     Type = "illegal_content"
	Other              Type = "other"
)

// BuiltinTypes lists the intent types every deployment understands, in
// display order. Custom types registered at runtime extend this set.
func BuiltinTypes() []Type {
	return []Type{
		KnowledgeQuery,
		FactualQuestion,
		AnalyticalQuestion,
		ProceduralQuestion,
		CreativeRequest,
		IllegalContent,
		Other,
	}
}

// SafetyLevel grades the risk of a query's content.
type SafetyLevel string

const (
	Safe       SafetyLevel = "safe"
	Suspicious SafetyLevel = "suspicious"
	Unsafe     SafetyLevel = "unsafe"
	Illegal    SafetyLevel = "illegal"
)

// ParseSafetyLevel maps a wire string onto a level.
func ParseSafetyLevel(s string) (SafetyLevel, bool) {
	switch SafetyLevel(s) {
	case Safe, Suspicious, Unsafe, Illegal:
		return SafetyLevel(s), true
	}
	return "", false
}

// Blocks reports whether queries at this level must not reach retrieval
// or generation. Suspicious queries proceed; the caller surfaces the risk.
func (l SafetyLevel) Blocks() bool {
	return l == Unsafe || l == Illegal
}

// AnalysisResult is the full verdict for one query.
type AnalysisResult struct {
	OriginalQuery    string      `json:"original_query"`
	ProcessedQuery   string      `json:"processed_query"`
	IntentType       Type        `json:"intent_type"`
	SafetyLevel      SafetyLevel `json:"safety_level"`
	Confidence       float64     `json:"confidence"`
	Suggestions      []string    `json:"suggestions"`
	RiskFactors      []string    `json:"risk_factors"`
	EnhancedQuery    string      `json:"enhanced_query,omitempty"`
	ShouldReject     bool        `json:"should_reject"`
	RejectionReason  string      `json:"rejection_reason,omitempty"`
	SafetyTips       []string    `json:"safety_tips"`
	SafeAlternatives []string    `json:"safe_alternatives"`
	ProcessingTime   float64     `json:"processing_time"`
}

// SafetyResult is the verdict of the safety check alone.
type SafetyResult struct {
	IsSafe         bool        `json:"is_safe"`
	SafetyLevel    SafetyLevel `json:"safety_level"`
	RiskFactors    []string    `json:"risk_factors"`
	Confidence     float64     `json:"confidence"`
	Reason         string      `json:"reason,omitempty"`
	SensitiveWords []string    `json:"sensitive_words,omitempty"`
	FilteredText   string      `json:"filtered_text,omitempty"`
}

// intentVerdict is the intermediate classification before enhancement.
type intentVerdict struct {
	intentType Type
	confidence float64
	reason     string
	keywords   []string
}

// enhancementVerdict carries the optional rewritten query.
type enhancementVerdict struct {
	shouldEnhance bool
	enhanced      string
	reason        string
	suggestions   []string
}

func elapsedSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}
