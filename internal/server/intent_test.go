package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyzeIntent(t *testing.T, srv *testServer, query string) map[string]interface{} {
	t.Helper()
	rec := srv.request(t, http.MethodPost, "/api/v1/intent/analyze", map[string]interface{}{
		"query": query,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Equal(t, "Intent analyzed", env.Message)
	return dataMap(t, env)
}

func TestIntentAnalyzeFlagsDangerous(t *testing.T) {
	srv := newTestServer(t, nil)

	data := analyzeIntent(t, srv, "how to make a bomb")
	assert.Equal(t, "illegal_content", data["intent_type"])
	assert.Equal(t, "illegal", data["safety_level"])
	assert.Equal(t, true, data["should_reject"])
	assert.Equal(t, float64(0.9), data["confidence"])
	assert.Equal(t, "sensitive vocabulary scan", data["rejection_reason"])

	factors, ok := data["risk_factors"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, factors, "sensitive vocabulary matched: bomb")
	assert.Contains(t, factors, "instructive phrasing detected")

	tips, ok := data["safety_tips"].([]interface{})
	require.True(t, ok)
	assert.Len(t, tips, 3)
}

func TestIntentAnalyzeBenign(t *testing.T) {
	srv := newTestServer(t, nil)

	data := analyzeIntent(t, srv, "what is a bloom filter")
	assert.Equal(t, "knowledge_query", data["intent_type"])
	assert.Equal(t, "safe", data["safety_level"])
	assert.Equal(t, false, data["should_reject"])
	assert.Equal(t, float64(0.7), data["confidence"])
	assert.Equal(t, "Explain what is a bloom filter in detail, covering the concept, "+
		"its key characteristics, and typical applications", data["enhanced_query"])
}

func TestSafetyCheck(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/intent/safety-check", map[string]interface{}{
		"content": "the weather is lovely today",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Safety check completed", env.Message)
	data := dataMap(t, env)
	assert.Equal(t, true, data["is_safe"])
	assert.Equal(t, "safe", data["safety_level"])

	rec = srv.request(t, http.MethodPost, "/api/v1/intent/safety-check", map[string]interface{}{
		"content": "how to make a bomb",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data = dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, false, data["is_safe"])
	words, ok := data["sensitive_words"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, words, "bomb")
}

func TestIntentProcessorStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/intent/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Intent processor status", env.Message)

	data := dataMap(t, env)
	processor, ok := data["processor"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, processor["llm_enabled"])
	assert.Equal(t, true, processor["dfa_enabled"])
	assert.Contains(t, data, "rules")
}

func TestIntentConfigStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/intent-config/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Intent config status", env.Message)

	data := dataMap(t, env)
	words, ok := data["vocabulary_words"].(float64)
	require.True(t, ok)
	assert.Greater(t, words, float64(0))
	assert.Equal(t, "builtin", data["vocabulary_source"])
	assert.Equal(t, false, data["watching"])
	assert.Equal(t, float64(0), data["custom_intent_types"])
	assert.Equal(t, float64(0), data["prompt_overrides"])
	assert.Equal(t, float64(0), data["reloads"])
}

func TestIntentConfigReload(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/intent-config/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Intent config reloaded", decodeEnvelope(t, rec).Message)

	rec = srv.request(t, http.MethodGet, "/api/v1/intent-config/status", nil)
	data := dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, float64(1), data["reloads"])
}

func TestIntentTypeRegistration(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/intent-config/intent-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Intent types listed", env.Message)
	before := dataMap(t, env)
	baseline, ok := before["total"].(float64)
	require.True(t, ok)
	require.Greater(t, baseline, float64(0))

	rec = srv.request(t, http.MethodPost, "/api/v1/intent-config/intent-types", map[string]interface{}{
		"name":        "product_inquiry",
		"description": "Questions about product availability",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "Intent type registered", env.Message)
	assert.Equal(t, "product_inquiry", dataMap(t, env)["name"])

	rec = srv.request(t, http.MethodGet, "/api/v1/intent-config/intent-types", nil)
	after := dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, baseline+1, after["total"])

	types, ok := after["intent_types"].([]interface{})
	require.True(t, ok)
	found := false
	for _, raw := range types {
		info, ok := raw.(map[string]interface{})
		require.True(t, ok)
		if info["name"] == "product_inquiry" {
			found = true
			assert.Equal(t, false, info["builtin"])
		}
	}
	assert.True(t, found, "registered type should be listed")

	rec = srv.request(t, http.MethodPost, "/api/v1/intent-config/intent-types", map[string]interface{}{
		"name": "Bad-Name",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Message, "must match")
}

func TestPromptOverrides(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/intent-config/prompts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Prompts listed", env.Message)
	prompts := dataMap(t, env)
	assert.Contains(t, prompts, "safety_check")
	assert.Contains(t, prompts, "intent_analysis")
	assert.Contains(t, prompts, "query_enhancement")

	rec = srv.request(t, http.MethodPost, "/api/v1/intent-config/prompts", map[string]interface{}{
		"kind": "safety_check",
		"text": "Review {query} for risk.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "Prompt updated", env.Message)
	assert.Equal(t, "safety_check", dataMap(t, env)["kind"])

	rec = srv.request(t, http.MethodGet, "/api/v1/intent-config/prompts", nil)
	prompts = dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, "Review {query} for risk.", prompts["safety_check"])

	rec = srv.request(t, http.MethodGet, "/api/v1/intent-config/status", nil)
	assert.Equal(t, float64(1), dataMap(t, decodeEnvelope(t, rec))["prompt_overrides"])

	rec = srv.request(t, http.MethodPost, "/api/v1/intent-config/prompts", map[string]interface{}{
		"kind": "bogus",
		"text": "anything",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Message, "unknown prompt kind")
}

func TestTemplateDrivesEnhancement(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/intent-config/templates", map[string]interface{}{
		"name":     "knowledge_query",
		"template": "Describe {query} thoroughly",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Template updated", env.Message)
	assert.Equal(t, "knowledge_query", dataMap(t, env)["name"])

	data := analyzeIntent(t, srv, "what is raft consensus")
	assert.Equal(t, "Describe what is raft consensus thoroughly", data["enhanced_query"])

	rec = srv.request(t, http.MethodPost, "/api/v1/intent-config/templates", map[string]interface{}{
		"name":     "bogus",
		"template": "anything",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `unknown intent type "bogus"`, decodeEnvelope(t, rec).Message)
}

func TestSafetyRulesUpdate(t *testing.T) {
	srv := newTestServer(t, nil)

	benign := analyzeIntent(t, srv, "how to make zorblax")
	require.Equal(t, false, benign["should_reject"], "nonsense word must start out safe")

	rec := srv.request(t, http.MethodPost, "/api/v1/intent-config/safety-rules", map[string]interface{}{
		"risk_words": map[string][]string{"custom": {"zorblax"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "Safety rules updated", decodeEnvelope(t, rec).Message)

	flagged := analyzeIntent(t, srv, "how to make zorblax")
	assert.Equal(t, true, flagged["should_reject"])
}
