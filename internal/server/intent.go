package server

import (
	"net/http"

	"ragserve/internal/intent"
	"ragserve/pkg/api"

	"go.uber.org/zap"
)

// IntentHandler serves direct intent analysis plus the dynamic rule
// configuration surface.
type IntentHandler struct {
	processor *intent.Processor
	rules     *intent.Manager
	logger    *zap.Logger
}

// NewIntentHandler wires the intent surface.
func NewIntentHandler(processor *intent.Processor, rules *intent.Manager, logger *zap.Logger) *IntentHandler {
	return &IntentHandler{processor: processor, rules: rules, logger: logger}
}

type intentAnalyzeRequest struct {
	Query string `json:"query" validate:"required,min=1,max=10000"`
}

type safetyCheckRequest struct {
	Content string `json:"content" validate:"required,min=1,max=10000"`
}

type registerIntentTypeRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"omitempty,max=500"`
}

type setPromptRequest struct {
	Kind string `json:"kind" validate:"required"`
	Text string `json:"text" validate:"required,max=20000"`
}

type setTemplateRequest struct {
	Name     string `json:"name" validate:"required,max=64"`
	Template string `json:"template" validate:"required,max=5000"`
}

// Analyze answers POST /intent/analyze.
func (h *IntentHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req intentAnalyzeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.processor.Analyze(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Intent analyzed", result)
}

// SafetyCheck answers POST /intent/safety-check: the safety stage alone.
func (h *IntentHandler) SafetyCheck(w http.ResponseWriter, r *http.Request) {
	var req safetyCheckRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.processor.SafetyCheck(r.Context(), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Safety check completed", result)
}

// Status reports processor configuration and DFA statistics.
func (h *IntentHandler) Status(w http.ResponseWriter, r *http.Request) {
	api.Success(w, "Intent processor status", map[string]interface{}{
		"processor": h.processor.Status(),
		"rules":     h.rules.Status(),
	})
}

// ConfigStatus answers GET /intent-config/status.
func (h *IntentHandler) ConfigStatus(w http.ResponseWriter, r *http.Request) {
	api.Success(w, "Intent config status", h.rules.Status())
}

// Reload answers POST /intent-config/reload, re-reading the vocabulary and
// the dynamic config file.
func (h *IntentHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Reload(); err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Intent config reloaded", h.rules.Status())
}

// IntentTypes answers GET /intent-config/intent-types.
func (h *IntentHandler) IntentTypes(w http.ResponseWriter, r *http.Request) {
	types := h.rules.IntentTypes()
	api.Success(w, "Intent types listed", map[string]interface{}{
		"intent_types": types,
		"total":        len(types),
	})
}

// RegisterIntentType answers POST /intent-config/intent-types. The new
// type becomes visible to the next analysis call.
func (h *IntentHandler) RegisterIntentType(w http.ResponseWriter, r *http.Request) {
	var req registerIntentTypeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.rules.RegisterIntentType(req.Name, req.Description); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("intent type registered", zap.String("name", req.Name))
	api.Success(w, "Intent type registered", map[string]interface{}{
		"name":        req.Name,
		"description": req.Description,
	})
}

// Prompts answers GET /intent-config/prompts.
func (h *IntentHandler) Prompts(w http.ResponseWriter, r *http.Request) {
	api.Success(w, "Prompts listed", h.rules.Prompts())
}

// SetPrompt answers POST /intent-config/prompts, overriding one of the
// pipeline prompts by kind.
func (h *IntentHandler) SetPrompt(w http.ResponseWriter, r *http.Request) {
	var req setPromptRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.rules.SetPrompt(req.Kind, req.Text); err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Prompt updated", map[string]interface{}{"kind": req.Kind})
}

// SetTemplate answers POST /intent-config/templates, overriding one
// enhancement template by intent type.
func (h *IntentHandler) SetTemplate(w http.ResponseWriter, r *http.Request) {
	var req setTemplateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.rules.SetTemplate(req.Name, req.Template); err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Template updated", map[string]interface{}{"name": req.Name})
}

// SetSafetyRules answers POST /intent-config/safety-rules with replacement
// pattern and risk-word sets.
func (h *IntentHandler) SetSafetyRules(w http.ResponseWriter, r *http.Request) {
	var rules intent.SafetyRules
	if err := decode(w, r, &rules); err != nil {
		writeError(w, err)
		return
	}
	if err := h.rules.UpdateSafetyRules(rules); err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Safety rules updated", h.rules.Status())
}
