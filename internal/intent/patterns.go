package intent

import (
	"regexp"
	"strings"
)

// ============================================================================
// BUILT-IN RULE SURFACE
// ============================================================================

// builtinVocabulary seeds the sensitive-word filter when no vocabulary file
// is configured. Deployments replace it with a full word list on disk.
var builtinVocabulary = map[string][]string{
	"gambling": {
		"underground casino", "gambling den", "betting ring", "rigged odds",
		"赌博", "赌场", "博彩", "六合彩", "地下钱庄",
	},
	"drugs": {
		"heroin", "methamphetamine", "cocaine", "fentanyl", "drug trafficking",
		"毒品", "冰毒", "海洛因", "摇头丸", "贩毒",
	},
	"weapons": {
		"bomb", "explosive", "detonator", "firearm", "gun dealer", "ammunition",
		"炸弹", "爆炸物", "枪支", "弹药", "军火",
	},
	"fraud": {
		"fraud", "scam", "phishing", "money laundering", "ponzi",
		"诈骗", "洗钱", "传销", "钓鱼网站",
	},
	"violence": {
		"kidnapping", "assassination", "arson attack",
		"绑架", "暗杀", "纵火", "暴力袭击",
	},
	"pornography": {
		"child abuse material", "revenge porn",
		"色情", "淫秽",
	},
}

// builtinFilter builds the fallback filter from the embedded vocabulary.
func builtinFilter(fuzzy bool) *Filter {
	f := NewFilter(fuzzy)
	for category, words := range builtinVocabulary {
		f.AddWords(words, category)
	}
	return f
}

// PatternGroup binds one intent type to its match patterns. Groups are
// scanned in order; the first hit wins.
type PatternGroup struct {
	Type     Type
	Patterns []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		compiled[i] = regexp.MustCompile(expr)
	}
	return compiled
}

func defaultPatternGroups() []PatternGroup {
	return []PatternGroup{
		{KnowledgeQuery, compileAll(
			`what is`, `what are`, `explain`, `define`, `describe`, `tell me about`,
			`什么是`, `介绍一下`, `解释`, `定义`, `概念`,
		)},
		{FactualQuestion, compileAll(
			`who is`, `who was`, `when did`, `when was`, `where is`, `how many`, `how much`,
			`谁是`, `何时`, `哪里`, `多少`, `几个`,
		)},
		{AnalyticalQuestion, compileAll(
			`why`, `how`, `analyze`, `compare`, `evaluate`, `difference between`,
			`为什么`, `如何`, `怎样`, `分析`, `比较`, `评价`,
		)},
		{ProceduralQuestion, compileAll(
			`steps`, `process`, `method`, `tutorial`, `guide`, `instructions`,
			`步骤`, `流程`, `方法`, `操作`, `教程`, `指南`,
		)},
		{CreativeRequest, compileAll(
			`create`, `write`, `design`, `generate`, `compose`, `draft`,
			`创作`, `写`, `设计`, `生成`, `创造`, `编写`,
		)},
	}
}

// Educational phrasing marks prevention, recognition, and reporting intent.
// A hit downgrades sensitive-word matches from illegal to safe or suspicious.
func defaultEducationalPatterns() []string {
	return []string{
		"how to avoid", "how to prevent", "how to identify", "how to recognize",
		"how to report", "how to spot", "how to detect", "how to protect",
		"warning signs", "risk", "risks", "danger", "dangers",
		"legal consequences", "safety measures",
		"防范", "避免", "识别", "辨别", "举报", "报警", "预防",
		"危害", "风险", "法律后果", "合规", "如何远离", "的后果",
	}
}

// Instructive phrasing marks intent to carry something out. It cancels an
// educational downgrade.
func defaultInstructivePatterns() []string {
	return []string{
		"how to make", "how to build", "how to create", "how to carry out",
		"how to implement", "how to synthesize", "how to buy", "where to buy",
		"how to sell", "step by step guide",
		"如何实施", "如何制作", "制作方法", "如何购买", "购买渠道", "在哪里买", "贩卖",
	}
}

func defaultEnhancementTemplates() map[Type]string {
	return map[Type]string{
		KnowledgeQuery:     "Explain {query} in detail, covering the concept, its key characteristics, and typical applications",
		FactualQuestion:    "Provide accurate, verifiable facts about {query}, including the relevant background",
		AnalyticalQuestion: "Analyze {query} in depth, covering causes, effects, and the factors involved",
		ProceduralQuestion: "Give clear step-by-step guidance for {query}, including prerequisites and caveats",
		CreativeRequest:    "Respond creatively to {query} with an original treatment of the request",
	}
}

// expandTemplate substitutes the query into a template.
func expandTemplate(template, query string) string {
	return strings.ReplaceAll(template, "{query}", query)
}

// ============================================================================
// SAFETY GUIDANCE
// ============================================================================

// safetyTips returns the guidance attached to a rejected or flagged query.
func safetyTips(level SafetyLevel) []string {
	switch level {
	case Unsafe, Illegal:
		return []string{
			"Stay within the law; this service does not provide instructions for illegal activity.",
			"Report suspected illegal activity to the relevant authorities.",
			"Consult a legal professional if you are unsure about the risks involved.",
		}
	case Suspicious:
		return []string{
			"Make sure your query complies with applicable laws and regulations.",
			"Consider rephrasing the question toward prevention and education.",
		}
	default:
		return nil
	}
}

var alternativeHints = []struct {
	triggers []string
	rewrites []string
}{
	{
		triggers: []string{"gambling", "赌博", "博彩"},
		rewrites: []string{
			"How do I recognize online gambling traps?",
			"Where can someone with a gambling problem find help?",
		},
	},
	{
		triggers: []string{"drug", "毒品"},
		rewrites: []string{
			"What are the health risks of drug abuse?",
			"How does drug prevention education work?",
		},
	},
	{
		triggers: []string{"fraud", "scam", "诈骗"},
		rewrites: []string{
			"How do I recognize and protect against online fraud?",
			"How do I report a scam and recover from it?",
		},
	},
}

// safeAlternatives proposes up to three harmless rewrites of a rejected
// query, preferring rewrites specific to the matched topic.
func safeAlternatives(query string) []string {
	lower := strings.ToLower(query)
	var out []string
	for _, hint := range alternativeHints {
		for _, trigger := range hint.triggers {
			if strings.Contains(lower, trigger) {
				out = append(out, hint.rewrites...)
				break
			}
		}
	}
	out = append(out,
		"How do I recognize and protect against this kind of risk?",
		"Where can I report this kind of activity and get help?",
		"What are the legal consequences and compliance requirements here?",
	)
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// ============================================================================
// LLM PROMPTS
// ============================================================================

const defaultSafetyPrompt = `You are a content safety reviewer. Decide whether the query below seeks illegal or harmful content.

Query: "{query}"

Consider:
1. Involvement in criminal activity (gambling, drugs, fraud, violence, weapons).
2. Inappropriate content (pornography, hate speech).
3. Whether the intent is educational and preventive, or instructive (seeking to carry harm out).

Queries about prevention, recognition, or reporting are safe. Queries seeking instructions to cause harm are not.

Reply with JSON only, no other text:
{"is_safe": true, "safety_level": "safe|suspicious|unsafe|illegal", "risk_factors": ["..."], "intent_direction": "educational|instructive|neutral", "confidence": 0.95, "reason": "..."}`

const defaultIntentPrompt = `You are a query intent analyst. Classify the intent of the query below.

Query: "{query}"

Intent types:
1. knowledge_query: asks for an explanation of a concept ("what is artificial intelligence")
2. factual_question: asks for a verifiable fact ("who invented the telephone")
3. analytical_question: asks for reasoning or comparison ("why does this happen")
4. procedural_question: asks how to do something legitimate ("how do I configure the software")
5. creative_request: asks for original content ("write a poem")
6. illegal_content: seeks illegal or harmful material
7. other: greeting, chit-chat, or unclear

Reply with JSON only, no other text:
{"intent_type": "knowledge_query", "confidence": 0.95, "reason": "...", "keywords": ["..."]}`

const defaultEnhancementPrompt = `You are a query optimization assistant. Decide whether the query below would retrieve better results if rephrased, and if so rephrase it.

Original query: "{query}"
Intent type: {intent_type}
Safety level: {safety_level}

Consider filling in missing key details, narrowing the scope, and clarifying the phrasing. Only suggest a rewrite when it genuinely improves the query.

Reply with JSON only, no other text:
{"should_enhance": true, "enhanced_query": "...", "enhancement_reason": "...", "suggestions": ["..."]}`
