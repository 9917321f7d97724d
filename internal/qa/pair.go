// Package qa implements the fixed question-answer store: a curated pool of
// (question, answer) pairs partitioned by category, matched by cosine
// similarity of the question embeddings. Each category lives in its own
// directory holding the pair records, the embedding matrix, and a small
// metadata file; a root index lists the known categories.
package qa

import (
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "ragserve/internal/errors"
)

const (
	// DefaultCategory receives pairs created without an explicit category.
	DefaultCategory = "general"

	maxQuestionLen = 2000
	maxAnswerLen   = 10000
	maxCategoryLen = 100
)

// Pair is one curated question with its canonical answer.
type Pair struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Keywords   []string  `json:"keywords,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewPairID generates a pair identifier.
func NewPairID() string {
	return "qa_" + uuid.NewString()[:8]
}

// normalize trims the text fields, fills defaults, and validates the
// result. Confidence zero means "not set" and becomes defaultConfidence;
// an explicit 0.0 is indistinguishable and treated the same, which matches
// the create and import defaults.
func (p *Pair) normalize(defaultConfidence float64, defaultSource string) error {
	p.Question = strings.TrimSpace(p.Question)
	p.Answer = strings.TrimSpace(p.Answer)
	p.Category = strings.TrimSpace(p.Category)
	p.Source = strings.TrimSpace(p.Source)

	if p.Question == "" {
		return apperrors.BadInput("question must not be empty")
	}
	if len([]rune(p.Question)) > maxQuestionLen {
		return apperrors.BadInput("question exceeds %d characters", maxQuestionLen)
	}
	if p.Answer == "" {
		return apperrors.BadInput("answer must not be empty")
	}
	if len([]rune(p.Answer)) > maxAnswerLen {
		return apperrors.BadInput("answer exceeds %d characters", maxAnswerLen)
	}
	if p.Category == "" {
		p.Category = DefaultCategory
	}
	if err := validateCategoryName(p.Category); err != nil {
		return err
	}
	if p.Confidence == 0 {
		p.Confidence = defaultConfidence
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return apperrors.BadInput("confidence %.3f out of range [0,1]", p.Confidence)
	}
	if p.Source == "" {
		p.Source = defaultSource
	}
	if p.Keywords != nil {
		trimmed := make([]string, 0, len(p.Keywords))
		for _, kw := range p.Keywords {
			if kw = strings.TrimSpace(kw); kw != "" {
				trimmed = append(trimmed, kw)
			}
		}
		p.Keywords = trimmed
	}
	if p.ID == "" {
		p.ID = NewPairID()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return nil
}

// validateCategoryName rejects names that cannot serve as a directory name.
func validateCategoryName(name string) error {
	if name == "" {
		return apperrors.BadInput("category must not be empty")
	}
	if len([]rune(name)) > maxCategoryLen {
		return apperrors.BadInput("category exceeds %d characters", maxCategoryLen)
	}
	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return apperrors.BadInput("category %q contains path characters", name)
	}
	return nil
}
