package intent

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
)

// ============================================================================
// RULE BUNDLE
// ============================================================================

// Bundle is the complete rule surface one analysis consults: recognized
// intent types, match patterns, safety phrasing lists, enhancement
// templates, and LLM prompts. Readers take the whole bundle from an atomic
// pointer, so an in-flight analysis never sees a half-applied update;
// writers clone, mutate, and swap.
type Bundle struct {
	IntentTypes          map[Type]string // type -> description
	PatternGroups        []PatternGroup
	EducationalPatterns  []string
	InstructivePatterns  []string
	EnhancementTemplates map[Type]string
	SafetyPrompt         string
	IntentPrompt         string
	EnhancementPrompt    string
}

var builtinDescriptions = map[Type]string{
	KnowledgeQuery:     "asks for an explanation of a concept",
	FactualQuestion:    "asks for a verifiable fact",
	AnalyticalQuestion: "asks for reasoning or comparison",
	ProceduralQuestion: "asks how to do something legitimate",
	CreativeRequest:    "asks for original content",
	IllegalContent:     "seeks illegal or harmful material",
	Other:              "greeting, chit-chat, or unclear",
}

func defaultBundle() *Bundle {
	types := make(map[Type]string, len(builtinDescriptions))
	for t, desc := range builtinDescriptions {
		types[t] = desc
	}
	return &Bundle{
		IntentTypes:          types,
		PatternGroups:        defaultPatternGroups(),
		EducationalPatterns:  defaultEducationalPatterns(),
		InstructivePatterns:  defaultInstructivePatterns(),
		EnhancementTemplates: defaultEnhancementTemplates(),
		SafetyPrompt:         defaultSafetyPrompt,
		IntentPrompt:         defaultIntentPrompt,
		EnhancementPrompt:    defaultEnhancementPrompt,
	}
}

func (b *Bundle) clone() *Bundle {
	next := &Bundle{
		IntentTypes:          make(map[Type]string, len(b.IntentTypes)),
		PatternGroups:        b.PatternGroups,
		EducationalPatterns:  append([]string(nil), b.EducationalPatterns...),
		InstructivePatterns:  append([]string(nil), b.InstructivePatterns...),
		EnhancementTemplates: make(map[Type]string, len(b.EnhancementTemplates)),
		SafetyPrompt:         b.SafetyPrompt,
		IntentPrompt:         b.IntentPrompt,
		EnhancementPrompt:    b.EnhancementPrompt,
	}
	for t, desc := range b.IntentTypes {
		next.IntentTypes[t] = desc
	}
	for t, tpl := range b.EnhancementTemplates {
		next.EnhancementTemplates[t] = tpl
	}
	return next
}

// KnownType reports whether the bundle recognizes an intent type, builtin
// or registered at runtime.
func (b *Bundle) KnownType(t Type) bool {
	_, ok := b.IntentTypes[t]
	return ok
}

// ============================================================================
// DYNAMIC CONFIG
// ============================================================================

// Prompt kinds accepted by SetPrompt and the dynamic config file.
const (
	PromptSafetyCheck      = "safety_check"
	PromptIntentAnalysis   = "intent_analysis"
	PromptQueryEnhancement = "query_enhancement"
)

// DynamicConfig is the JSON document read from the dynamic config file and
// accepted on the intent-config routes. Absent sections leave the defaults
// in place.
type DynamicConfig struct {
	IntentTypes []CustomIntentType `json:"intent_types,omitempty"`
	Prompts     map[string]string  `json:"prompts,omitempty"`
	Safety      *SafetyRules       `json:"safety,omitempty"`
	Templates   map[string]string  `json:"enhancement_templates,omitempty"`
}

// CustomIntentType registers one additional intent type.
type CustomIntentType struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

func (c CustomIntentType) active() bool {
	return c.IsActive == nil || *c.IsActive
}

// SafetyRules overrides the safety phrasing lists and adds risk words to
// the vocabulary, keyed by category.
type SafetyRules struct {
	EducationalPatterns []string            `json:"educational_patterns,omitempty"`
	InstructivePatterns []string            `json:"instructive_patterns,omitempty"`
	RiskWords           map[string][]string `json:"risk_words,omitempty"`
}

var intentTypeName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ============================================================================
// MANAGER
// ============================================================================

// Manager owns the hot-swappable rule surface: the bundle and the
// sensitive-word filter. Runtime registrations accumulate in an overlay so
// they survive a file-triggered reload.
type Manager struct {
	cfg    config.IntentConfig
	logger *zap.Logger

	bundle atomic.Pointer[Bundle]
	filter atomic.Pointer[Filter]

	mu          sync.Mutex
	overlay     DynamicConfig
	watching    bool
	loadedAt    time.Time
	vocabSource string
	reloads     atomic.Int64
}

// NewManager loads the vocabulary and dynamic config named in cfg. Missing
// or unreadable files degrade to the built-in defaults with a warning; the
// manager is always usable.
func NewManager(cfg config.IntentConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("intent-rules"),
	}
	if err := m.rebuild(); err != nil {
		m.logger.Warn("dynamic intent config unreadable, using defaults", zap.Error(err))
		m.bundle.Store(defaultBundle())
		m.filter.Store(m.composeFilter(DynamicConfig{}))
		m.loadedAt = time.Now()
	}
	return m
}

// Bundle returns the active rule bundle. The result is read-only.
func (m *Manager) Bundle() *Bundle { return m.bundle.Load() }

// Filter returns the active sensitive-word filter. The result is read-only.
func (m *Manager) Filter() *Filter { return m.filter.Load() }

// rebuild reconstructs filter and bundle from scratch: built-in defaults,
// then the files named in cfg, then the runtime overlay. On a broken
// dynamic config file nothing is swapped and the active surface stays in
// place. Callers other than NewManager must hold mu.
func (m *Manager) rebuild() error {
	fileCfg, err := m.readDynamicFile()
	if err != nil {
		return err
	}

	bundle := defaultBundle()
	m.applyDynamic(bundle, fileCfg)
	m.applyDynamic(bundle, m.overlay)

	m.filter.Store(m.composeFilter(fileCfg))
	m.bundle.Store(bundle)
	m.loadedAt = time.Now()
	return nil
}

// readDynamicFile reads the configured dynamic config document. A missing
// file is not an error; the defaults apply.
func (m *Manager) readDynamicFile() (DynamicConfig, error) {
	path := m.cfg.DynamicConfigPath
	if path == "" {
		return DynamicConfig{}, nil
	}
	dc, err := loadDynamicFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DynamicConfig{}, nil
		}
		return DynamicConfig{}, err
	}
	return dc, nil
}

// composeFilter builds the vocabulary automaton from the configured source
// plus the risk words contributed by the file and the runtime overlay.
func (m *Manager) composeFilter(fileCfg DynamicConfig) *Filter {
	filter := m.loadVocabulary()
	for _, dc := range []DynamicConfig{fileCfg, m.overlay} {
		if dc.Safety == nil {
			continue
		}
		for category, words := range dc.Safety.RiskWords {
			filter.AddWords(words, category)
		}
	}
	return filter
}

func (m *Manager) loadVocabulary() *Filter {
	filter := NewFilter(true)
	path := m.cfg.SensitiveVocabularyPath
	if path == "" {
		m.vocabSource = "builtin"
		return builtinFilter(true)
	}

	info, err := os.Stat(path)
	var count int
	switch {
	case err != nil:
		m.logger.Warn("sensitive vocabulary path unreadable, using builtin list",
			zap.String("path", path), zap.Error(err))
	case info.IsDir():
		count, err = filter.LoadDir(path)
	default:
		count, err = filter.LoadFile(path)
	}
	if err != nil {
		m.logger.Warn("loading sensitive vocabulary failed, using builtin list",
			zap.String("path", path), zap.Error(err))
	}
	if count == 0 {
		m.vocabSource = "builtin"
		return builtinFilter(true)
	}

	m.vocabSource = path
	m.logger.Info("sensitive vocabulary loaded",
		zap.String("path", path),
		zap.Int("words", count),
		zap.Int("nodes", filter.NodeCount()),
	)
	return filter
}

func loadDynamicFile(path string) (DynamicConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DynamicConfig{}, err
	}
	var dc DynamicConfig
	if err := json.Unmarshal(raw, &dc); err != nil {
		return DynamicConfig{}, apperrors.BadInput("dynamic intent config %s: %v", path, err)
	}
	return dc, nil
}

// applyDynamic overlays one config document onto a bundle. Unknown keys
// are logged and skipped so a bad entry cannot take the rule surface down.
func (m *Manager) applyDynamic(b *Bundle, dc DynamicConfig) {
	for _, ct := range dc.IntentTypes {
		if !ct.active() {
			continue
		}
		if !intentTypeName.MatchString(ct.Name) {
			m.logger.Warn("skipping invalid custom intent type", zap.String("name", ct.Name))
			continue
		}
		desc := ct.Description
		if desc == "" {
			desc = ct.Name
		}
		b.IntentTypes[Type(ct.Name)] = desc
	}

	for kind, text := range dc.Prompts {
		switch kind {
		case PromptSafetyCheck:
			b.SafetyPrompt = text
		case PromptIntentAnalysis:
			b.IntentPrompt = text
		case PromptQueryEnhancement:
			b.EnhancementPrompt = text
		default:
			m.logger.Warn("skipping unknown prompt kind", zap.String("kind", kind))
		}
	}

	if dc.Safety != nil {
		if len(dc.Safety.EducationalPatterns) > 0 {
			b.EducationalPatterns = append([]string(nil), dc.Safety.EducationalPatterns...)
		}
		if len(dc.Safety.InstructivePatterns) > 0 {
			b.InstructivePatterns = append([]string(nil), dc.Safety.InstructivePatterns...)
		}
	}

	for name, tpl := range dc.Templates {
		t := Type(name)
		if !b.KnownType(t) {
			m.logger.Warn("skipping enhancement template for unknown intent type",
				zap.String("type", name))
			continue
		}
		b.EnhancementTemplates[t] = tpl
	}
}

// Reload re-reads the vocabulary and dynamic config. On failure the active
// bundle stays in place.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rebuild(); err != nil {
		return err
	}
	m.reloads.Add(1)
	m.logger.Info("intent rule surface reloaded",
		zap.Int("vocabulary_words", m.Filter().WordCount()))
	return nil
}

// Watch hot-reloads the rule surface when either backing file changes.
func (m *Manager) Watch(w *config.FileWatcher) error {
	onChange := func(path string) {
		if err := m.Reload(); err != nil {
			m.logger.Error("hot reload failed, keeping previous rules",
				zap.String("path", path), zap.Error(err))
		}
	}
	for _, path := range []string{m.cfg.SensitiveVocabularyPath, m.cfg.DynamicConfigPath} {
		if path == "" {
			continue
		}
		if err := w.Watch(path, onChange); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.watching = true
	m.mu.Unlock()
	return nil
}

// ============================================================================
// RUNTIME REGISTRATION
// ============================================================================

// RegisterIntentType adds or replaces a custom intent type, effective on
// the next analysis.
func (m *Manager) RegisterIntentType(name, description string) error {
	if !intentTypeName.MatchString(name) {
		return apperrors.BadInput("intent type name must match %s", intentTypeName.String())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.overlay.IntentTypes = append(m.overlay.IntentTypes, CustomIntentType{
		Name: name, Description: description,
	})
	next := m.Bundle().clone()
	if description == "" {
		description = name
	}
	next.IntentTypes[Type(name)] = description
	m.bundle.Store(next)
	m.logger.Info("custom intent type registered", zap.String("name", name))
	return nil
}

// SetPrompt overrides one of the three LLM prompts.
func (m *Manager) SetPrompt(kind, text string) error {
	if text == "" {
		return apperrors.BadInput("prompt text must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.Bundle().clone()
	switch kind {
	case PromptSafetyCheck:
		next.SafetyPrompt = text
	case PromptIntentAnalysis:
		next.IntentPrompt = text
	case PromptQueryEnhancement:
		next.EnhancementPrompt = text
	default:
		return apperrors.BadInput("unknown prompt kind %q; expected %s, %s, or %s",
			kind, PromptSafetyCheck, PromptIntentAnalysis, PromptQueryEnhancement)
	}
	if m.overlay.Prompts == nil {
		m.overlay.Prompts = make(map[string]string)
	}
	m.overlay.Prompts[kind] = text
	m.bundle.Store(next)
	return nil
}

// SetTemplate overrides the enhancement template for a known intent type.
func (m *Manager) SetTemplate(name, template string) error {
	if template == "" {
		return apperrors.BadInput("template text must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := Type(name)
	next := m.Bundle().clone()
	if !next.KnownType(t) {
		return apperrors.BadInput("unknown intent type %q", name)
	}
	next.EnhancementTemplates[t] = template
	if m.overlay.Templates == nil {
		m.overlay.Templates = make(map[string]string)
	}
	m.overlay.Templates[name] = template
	m.bundle.Store(next)
	return nil
}

// UpdateSafetyRules replaces the phrasing lists that are present and adds
// any risk words to the vocabulary.
func (m *Manager) UpdateSafetyRules(rules SafetyRules) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.Bundle().clone()
	if len(rules.EducationalPatterns) > 0 {
		next.EducationalPatterns = append([]string(nil), rules.EducationalPatterns...)
	}
	if len(rules.InstructivePatterns) > 0 {
		next.InstructivePatterns = append([]string(nil), rules.InstructivePatterns...)
	}

	if m.overlay.Safety == nil {
		m.overlay.Safety = &SafetyRules{}
	}
	if len(rules.EducationalPatterns) > 0 {
		m.overlay.Safety.EducationalPatterns = rules.EducationalPatterns
	}
	if len(rules.InstructivePatterns) > 0 {
		m.overlay.Safety.InstructivePatterns = rules.InstructivePatterns
	}

	if len(rules.RiskWords) > 0 {
		if m.overlay.Safety.RiskWords == nil {
			m.overlay.Safety.RiskWords = make(map[string][]string)
		}
		for category, words := range rules.RiskWords {
			m.overlay.Safety.RiskWords[category] = append(m.overlay.Safety.RiskWords[category], words...)
		}
		// New words mean a new automaton; readers keep the old one until
		// the swap.
		fileCfg, err := m.readDynamicFile()
		if err != nil {
			m.logger.Warn("dynamic config unreadable, composing without it", zap.Error(err))
		}
		m.filter.Store(m.composeFilter(fileCfg))
	}

	m.bundle.Store(next)
	m.logger.Info("safety rules updated")
	return nil
}

// ============================================================================
// INTROSPECTION
// ============================================================================

// IntentTypeInfo describes one recognized intent type.
type IntentTypeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Builtin     bool   `json:"builtin"`
}

// IntentTypes lists the recognized intent types, builtins first.
func (m *Manager) IntentTypes() []IntentTypeInfo {
	b := m.Bundle()
	out := make([]IntentTypeInfo, 0, len(b.IntentTypes))
	for t, desc := range b.IntentTypes {
		_, builtin := builtinDescriptions[t]
		out = append(out, IntentTypeInfo{Name: string(t), Description: desc, Builtin: builtin})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Builtin != out[j].Builtin {
			return out[i].Builtin
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Prompts returns the active LLM prompts keyed by kind.
func (m *Manager) Prompts() map[string]string {
	b := m.Bundle()
	return map[string]string{
		PromptSafetyCheck:      b.SafetyPrompt,
		PromptIntentAnalysis:   b.IntentPrompt,
		PromptQueryEnhancement: b.EnhancementPrompt,
	}
}

// RulesStatus reports the state of the rule surface.
type RulesStatus struct {
	VocabularyWords   int       `json:"vocabulary_words"`
	VocabularySource  string    `json:"vocabulary_source"`
	TreeNodes         int       `json:"tree_nodes"`
	CustomIntentTypes int       `json:"custom_intent_types"`
	PromptOverrides   int       `json:"prompt_overrides"`
	Watching          bool      `json:"watching"`
	LoadedAt          time.Time `json:"loaded_at"`
	Reloads           int64     `json:"reloads"`
}

// Status summarizes the active rule surface.
func (m *Manager) Status() RulesStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.Bundle()
	f := m.Filter()
	custom := 0
	for t := range b.IntentTypes {
		if _, builtin := builtinDescriptions[t]; !builtin {
			custom++
		}
	}
	return RulesStatus{
		VocabularyWords:   f.WordCount(),
		VocabularySource:  m.vocabSource,
		TreeNodes:         f.NodeCount(),
		CustomIntentTypes: custom,
		PromptOverrides:   len(m.overlay.Prompts),
		Watching:          m.watching,
		LoadedAt:          m.loadedAt,
		Reloads:           m.reloads.Load(),
	}
}
