package taskrouter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// SemanticAssessment is the second opinion returned by a small cloud model.
type SemanticAssessment struct {
	Complexity int      `json:"complexity"`
	Reasoning  string   `json:"reasoning"`
	Factors    []string `json:"factors"`
}

// SemanticAssessor produces a model-backed complexity assessment.
type SemanticAssessor interface {
	Assess(ctx context.Context, description string) (SemanticAssessment, error)
}

const assessorPrompt = `Rate the complexity of the following coding task on a scale of 1-10.
Respond with JSON only: {"complexity": <1-10>, "reasoning": "<one sentence>", "factors": ["..."]}

Task:
`

// RuntimeAssessor asks the agents runtime for an assessment using a small
// model and parses the reply tolerantly.
type RuntimeAssessor struct {
	runtime domain.AgentRuntime
}

// NewRuntimeAssessor wraps the agents runtime as a semantic assessor.
func NewRuntimeAssessor(rt domain.AgentRuntime) *RuntimeAssessor {
	return &RuntimeAssessor{runtime: rt}
}

// Assess collects the streamed reply and parses the assessment JSON.
func (a *RuntimeAssessor) Assess(ctx context.Context, description string) (SemanticAssessment, error) {
	var sb strings.Builder
	req := domain.ChatRequest{
		AgentType: "router",
		Messages:  []domain.ChatTurn{{Role: "user", Content: assessorPrompt + description}},
		Stream:    true,
	}
	err := a.runtime.ChatStream(ctx, req, func(c domain.ChatChunk) error {
		sb.WriteString(c.Chunk)
		return nil
	})
	if err != nil {
		return SemanticAssessment{}, fmt.Errorf("op=router.semantic: %w", err)
	}
	return ParseAssessment(sb.String())
}

// ParseAssessment extracts an assessment from model output. Fenced code
// blocks and mildly broken JSON are accepted; out-of-range complexity is
// clamped to [1,10].
func ParseAssessment(raw string) (SemanticAssessment, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)

	var a SemanticAssessment
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(s)
		if rerr != nil {
			return SemanticAssessment{}, fmt.Errorf("op=router.parse_assessment: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &a); err != nil {
			return SemanticAssessment{}, fmt.Errorf("op=router.parse_assessment: %w", err)
		}
	}
	if a.Complexity < 1 {
		a.Complexity = 1
	}
	if a.Complexity > 10 {
		a.Complexity = 10
	}
	return a, nil
}

// CachedAssessor memoizes assessments by description hash so repeated
// routing of identical descriptions skips the model call.
type CachedAssessor struct {
	inner SemanticAssessor
	cache *lru.Cache[string, SemanticAssessment]
}

// NewCachedAssessor wraps an assessor with an LRU of the given size.
func NewCachedAssessor(inner SemanticAssessor, size int) (*CachedAssessor, error) {
	if size <= 0 {
		size = 512
	}
	c, err := lru.New[string, SemanticAssessment](size)
	if err != nil {
		return nil, err
	}
	return &CachedAssessor{inner: inner, cache: c}, nil
}

// Assess returns the cached assessment when available.
func (c *CachedAssessor) Assess(ctx context.Context, description string) (SemanticAssessment, error) {
	key := hashDescription(description)
	if a, ok := c.cache.Get(key); ok {
		return a, nil
	}
	a, err := c.inner.Assess(ctx, description)
	if err != nil {
		return SemanticAssessment{}, err
	}
	c.cache.Add(key, a)
	return a, nil
}

func hashDescription(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
