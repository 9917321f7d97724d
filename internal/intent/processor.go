package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/llm"
)

// Processor runs the analysis pipeline over one query: safety check, intent
// classification, optional query enhancement. Each stage tries the LLM
// first when enabled and reachable, then falls back to the sensitive-word
// automaton or the pattern rules. An LLM failure never fails the pipeline;
// the fixed per-path confidences tell callers which path answered.
type Processor struct {
	cfg    config.IntentConfig
	rules  *Manager
	chat   llm.ChatClient
	logger *zap.Logger
}

// NewProcessor wires the processor. chat may be nil for rule-only setups.
func NewProcessor(cfg config.IntentConfig, rules *Manager, chat llm.ChatClient, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		rules:  rules,
		chat:   chat,
		logger: logger.Named("intent"),
	}
}

var (
	spaceRun   = regexp.MustCompile(`\s+`)
	queryNoise = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?;:()（）。，！？；：-]`)
)

// normalizeQuery collapses whitespace and strips characters outside
// letters, digits, and basic punctuation.
func normalizeQuery(q string) string {
	q = spaceRun.ReplaceAllString(strings.TrimSpace(q), " ")
	return strings.TrimSpace(queryNoise.ReplaceAllString(q, ""))
}

func orEmpty(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

// ============================================================================
// ANALYZE
// ============================================================================

// Analyze runs the full pipeline. Unsafe and illegal queries come back with
// ShouldReject set, rejection guidance filled in, and no enhancement;
// suspicious queries proceed with their risk factors surfaced.
func (p *Processor) Analyze(ctx context.Context, query string) (AnalysisResult, error) {
	start := time.Now()
	processed := normalizeQuery(query)
	if processed == "" {
		return AnalysisResult{}, apperrors.BadInput("query must not be empty")
	}

	safety := p.runSafetyCheck(ctx, processed)

	if safety.SafetyLevel.Blocks() {
		reason := safety.Reason
		if reason == "" {
			reason = "the query appears to seek illegal or harmful content"
		}
		return AnalysisResult{
			OriginalQuery:    query,
			ProcessedQuery:   processed,
			IntentType:       IllegalContent,
			SafetyLevel:      safety.SafetyLevel,
			Confidence:       safety.Confidence,
			Suggestions:      []string{},
			RiskFactors:      orEmpty(safety.RiskFactors),
			ShouldReject:     true,
			RejectionReason:  reason,
			SafetyTips:       safetyTips(safety.SafetyLevel),
			SafeAlternatives: safeAlternatives(processed),
			ProcessingTime:   elapsedSeconds(start),
		}, nil
	}

	verdict := p.runIntentAnalysis(ctx, processed)

	var enhanced enhancementVerdict
	if p.cfg.EnableEnhancement && safety.SafetyLevel == Safe {
		enhanced = p.runEnhancement(ctx, processed, verdict.intentType, safety.SafetyLevel)
	}

	suggestions := append(append([]string{}, verdict.keywords...), enhanced.suggestions...)

	return AnalysisResult{
		OriginalQuery:    query,
		ProcessedQuery:   processed,
		IntentType:       verdict.intentType,
		SafetyLevel:      safety.SafetyLevel,
		Confidence:       math.Min(safety.Confidence, verdict.confidence),
		Suggestions:      suggestions,
		RiskFactors:      orEmpty(safety.RiskFactors),
		EnhancedQuery:    enhanced.enhanced,
		SafetyTips:       orEmpty(safetyTips(safety.SafetyLevel)),
		SafeAlternatives: []string{},
		ProcessingTime:   elapsedSeconds(start),
	}, nil
}

// SafetyCheck runs the safety stage alone.
func (p *Processor) SafetyCheck(ctx context.Context, content string) (SafetyResult, error) {
	processed := normalizeQuery(content)
	if processed == "" {
		return SafetyResult{}, apperrors.BadInput("content must not be empty")
	}
	res := p.runSafetyCheck(ctx, processed)
	res.RiskFactors = orEmpty(res.RiskFactors)
	return res, nil
}

// ============================================================================
// SAFETY STAGE
// ============================================================================

func (p *Processor) runSafetyCheck(ctx context.Context, query string) SafetyResult {
	if p.cfg.EnableLLM && p.chat != nil && p.chat.Available() {
		res, err := p.llmSafetyCheck(ctx, query)
		if err == nil {
			return res
		}
		p.logger.Warn("llm safety check failed, falling back", zap.Error(err))
	}
	if p.cfg.EnableDFA {
		if f := p.rules.Filter(); f.WordCount() > 0 {
			return p.dfaSafetyCheck(query)
		}
	}
	return p.basicSafetyCheck(query)
}

func (p *Processor) llmSafetyCheck(ctx context.Context, query string) (SafetyResult, error) {
	b := p.rules.Bundle()
	prompt := strings.ReplaceAll(b.SafetyPrompt, "{query}", query)
	reply, err := p.chat.Complete(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return SafetyResult{}, err
	}

	var parsed struct {
		IsSafe      *bool    `json:"is_safe"`
		SafetyLevel string   `json:"safety_level"`
		RiskFactors []string `json:"risk_factors"`
		Confidence  float64  `json:"confidence"`
		Reason      string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &parsed); err != nil {
		return SafetyResult{}, fmt.Errorf("unparseable safety reply: %w", err)
	}
	level, ok := ParseSafetyLevel(parsed.SafetyLevel)
	if !ok {
		return SafetyResult{}, fmt.Errorf("invalid safety level %q in reply", parsed.SafetyLevel)
	}

	isSafe := level == Safe
	if parsed.IsSafe != nil {
		isSafe = *parsed.IsSafe
	}
	conf := parsed.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return SafetyResult{
		IsSafe:      isSafe,
		SafetyLevel: level,
		RiskFactors: parsed.RiskFactors,
		Confidence:  conf,
		Reason:      parsed.Reason,
	}, nil
}

// dfaSafetyCheck classifies by sensitive-word scan. Any hit escalates to
// illegal unless the phrasing is educational; instructive phrasing cancels
// the educational downgrade.
func (p *Processor) dfaSafetyCheck(query string) SafetyResult {
	b := p.rules.Bundle()
	f := p.rules.Filter()

	matches := f.Search(query)
	if len(matches) == 0 {
		return SafetyResult{
			IsSafe:      true,
			SafetyLevel: Safe,
			Confidence:  0.9,
			Reason:      "no sensitive vocabulary matched",
		}
	}

	words := UniqueWords(matches)
	factors := []string{"sensitive vocabulary matched: " + strings.Join(words, ", ")}

	educational := containsAnyFold(query, b.EducationalPatterns)
	instructive := containsAnyFold(query, b.InstructivePatterns)
	if instructive {
		factors = append(factors, "instructive phrasing detected")
	}

	var level SafetyLevel
	switch {
	case educational && !instructive:
		if len(matches) == 1 {
			level = Safe
		} else {
			level = Suspicious
		}
	default:
		level = Illegal
	}

	return SafetyResult{
		IsSafe:         level == Safe,
		SafetyLevel:    level,
		RiskFactors:    factors,
		Confidence:     0.9,
		Reason:         "sensitive vocabulary scan",
		SensitiveWords: words,
		FilteredText:   f.Mask(query),
	}
}

var suspiciousPhrases = compileAll(
	`how to .*illegal`, `where to buy .*(drugs|weapons)`, `teach me .*(crime|illegal)`,
	`如何.*违法`, `怎样.*犯罪`, `教我.*非法`, `制作.*毒品`, `购买.*枪支`, `(如何|怎么|怎样).*实施`,
)

// basicSafetyCheck is the last-resort path when both the LLM and the
// vocabulary filter are unavailable: keyword hits and suspicious phrasings
// accumulate a risk score that maps onto a level.
func (p *Processor) basicSafetyCheck(query string) SafetyResult {
	b := p.rules.Bundle()
	lower := strings.ToLower(query)

	var hits []string
	for _, words := range builtinVocabulary {
		for _, w := range words {
			if strings.Contains(lower, strings.ToLower(w)) {
				hits = append(hits, w)
			}
		}
	}
	sort.Strings(hits)

	educational := containsAnyFold(query, b.EducationalPatterns)
	instructive := containsAnyFold(query, b.InstructivePatterns)

	score := 0.0
	if len(hits) > 0 {
		if educational && !instructive {
			score += 0.3
		} else {
			score += 1.2
		}
	}
	for _, re := range suspiciousPhrases {
		if re.MatchString(lower) {
			score += 0.8
		}
	}
	if score > 2.0 {
		score = 2.0
	}

	level := Safe
	switch {
	case score >= 1.0:
		level = Illegal
	case score >= 0.7:
		level = Unsafe
	case score >= 0.3:
		level = Suspicious
	}

	return SafetyResult{
		IsSafe:      level == Safe,
		SafetyLevel: level,
		RiskFactors: hits,
		Confidence:  0.7,
		Reason:      "keyword risk scoring",
	}
}

func containsAnyFold(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, pat := range patterns {
		if pat != "" && strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// ============================================================================
// INTENT STAGE
// ============================================================================

func (p *Processor) runIntentAnalysis(ctx context.Context, query string) intentVerdict {
	if p.cfg.EnableLLM && p.chat != nil && p.chat.Available() {
		v, err := p.llmIntentAnalysis(ctx, query)
		if err == nil {
			return v
		}
		p.logger.Warn("llm intent analysis failed, falling back to rules", zap.Error(err))
	}
	return p.ruleIntentAnalysis(query)
}

func (p *Processor) llmIntentAnalysis(ctx context.Context, query string) (intentVerdict, error) {
	b := p.rules.Bundle()
	prompt := strings.ReplaceAll(b.IntentPrompt, "{query}", query)
	reply, err := p.chat.Complete(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return intentVerdict{}, err
	}

	var parsed struct {
		IntentType string   `json:"intent_type"`
		Confidence float64  `json:"confidence"`
		Reason     string   `json:"reason"`
		Keywords   []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &parsed); err != nil {
		return intentVerdict{}, fmt.Errorf("unparseable intent reply: %w", err)
	}
	if parsed.IntentType == "" {
		return intentVerdict{}, fmt.Errorf("intent reply carries no intent_type")
	}

	t := Type(parsed.IntentType)
	if !b.KnownType(t) {
		p.logger.Warn("llm returned unrecognized intent type",
			zap.String("intent_type", parsed.IntentType))
		t = Other
	}
	conf := parsed.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return intentVerdict{
		intentType: t,
		confidence: conf,
		reason:     parsed.Reason,
		keywords:   parsed.Keywords,
	}, nil
}

// ruleIntentAnalysis classifies by pattern scan. Educational phrasing wins
// first so prevention questions never read as unclear.
func (p *Processor) ruleIntentAnalysis(query string) intentVerdict {
	b := p.rules.Bundle()
	lower := strings.ToLower(query)

	if containsAnyFold(query, b.EducationalPatterns) {
		for _, marker := range []string{"how", "如何", "怎样", "怎么"} {
			if strings.Contains(lower, marker) {
				return intentVerdict{
					intentType: ProceduralQuestion,
					confidence: 0.8,
					reason:     "educational procedural phrasing",
				}
			}
		}
		return intentVerdict{
			intentType: KnowledgeQuery,
			confidence: 0.8,
			reason:     "educational knowledge phrasing",
		}
	}

	for _, group := range b.PatternGroups {
		for _, re := range group.Patterns {
			if re.MatchString(lower) {
				return intentVerdict{
					intentType: group.Type,
					confidence: 0.7,
					reason:     "matched pattern " + re.String(),
					keywords:   []string{re.String()},
				}
			}
		}
	}
	return intentVerdict{intentType: Other, confidence: 0.5, reason: "no intent pattern matched"}
}

// ============================================================================
// ENHANCEMENT STAGE
// ============================================================================

func (p *Processor) runEnhancement(ctx context.Context, query string, intentType Type, level SafetyLevel) enhancementVerdict {
	if p.cfg.EnableLLM && p.chat != nil && p.chat.Available() {
		v, err := p.llmEnhancement(ctx, query, intentType, level)
		if err == nil {
			return v
		}
		p.logger.Warn("llm query enhancement failed, falling back to templates", zap.Error(err))
	}
	return p.templateEnhancement(query, intentType)
}

func (p *Processor) llmEnhancement(ctx context.Context, query string, intentType Type, level SafetyLevel) (enhancementVerdict, error) {
	b := p.rules.Bundle()
	prompt := strings.ReplaceAll(b.EnhancementPrompt, "{query}", query)
	prompt = strings.ReplaceAll(prompt, "{intent_type}", string(intentType))
	prompt = strings.ReplaceAll(prompt, "{safety_level}", string(level))

	reply, err := p.chat.Complete(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return enhancementVerdict{}, err
	}

	var parsed struct {
		ShouldEnhance bool     `json:"should_enhance"`
		EnhancedQuery string   `json:"enhanced_query"`
		Reason        string   `json:"enhancement_reason"`
		Suggestions   []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &parsed); err != nil {
		return enhancementVerdict{}, fmt.Errorf("unparseable enhancement reply: %w", err)
	}
	if parsed.ShouldEnhance && strings.TrimSpace(parsed.EnhancedQuery) == "" {
		parsed.ShouldEnhance = false
	}
	v := enhancementVerdict{
		shouldEnhance: parsed.ShouldEnhance,
		reason:        parsed.Reason,
		suggestions:   parsed.Suggestions,
	}
	if parsed.ShouldEnhance {
		v.enhanced = strings.TrimSpace(parsed.EnhancedQuery)
	}
	return v, nil
}

func (p *Processor) templateEnhancement(query string, intentType Type) enhancementVerdict {
	b := p.rules.Bundle()
	tpl, ok := b.EnhancementTemplates[intentType]
	if !ok {
		return enhancementVerdict{reason: "no template for intent type"}
	}
	return enhancementVerdict{
		shouldEnhance: true,
		enhanced:      expandTemplate(tpl, query),
		reason:        "template enhancement",
	}
}

// ============================================================================
// STATUS
// ============================================================================

// ProcessorStatus reports the processor configuration and the state of its
// rule surface.
type ProcessorStatus struct {
	LLMEnabled          bool        `json:"llm_enabled"`
	LLMAvailable        bool        `json:"llm_available"`
	DFAEnabled          bool        `json:"dfa_enabled"`
	EnhancementEnabled  bool        `json:"enhancement_enabled"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	Rules               RulesStatus `json:"rules"`
}

// Status summarizes the processor for the status route.
func (p *Processor) Status() ProcessorStatus {
	return ProcessorStatus{
		LLMEnabled:          p.cfg.EnableLLM,
		LLMAvailable:        p.cfg.EnableLLM && p.chat != nil && p.chat.Available(),
		DFAEnabled:          p.cfg.EnableDFA,
		EnhancementEnabled:  p.cfg.EnableEnhancement,
		ConfidenceThreshold: p.cfg.ConfidenceThreshold,
		Rules:               p.rules.Status(),
	}
}
