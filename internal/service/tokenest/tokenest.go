// Package tokenest estimates token usage for task dispatches.
//
// Estimates feed the rate governor's capacity checks before a model call
// is made; actual usage is recorded afterwards from runtime metrics. It
// uses tiktoken-go with cached encodings and falls back to a ~4 chars per
// token heuristic when an encoding is unavailable.
package tokenest

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens with per-model encoding caching.
type Estimator struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewEstimator builds an empty estimator.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[string]*tiktoken.Tiktoken)}
}

// normalizeModel maps local and cloud model names to a tiktoken-known
// encoding family. cl100k_base is a reasonable approximation for the
// qwen and claude families.
func normalizeModel(model string) string {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	if i := strings.Index(m, ":"); i >= 0 {
		m = m[:i]
	}
	if strings.Contains(m, "gpt-3.5") {
		return "gpt-3.5-turbo"
	}
	// qwen, claude and grok families tokenize close enough to cl100k_base.
	return "gpt-4"
}

func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	key := normalizeModel(model)
	e.mu.RLock()
	enc, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return enc
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.cache[key]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	e.cache[key] = enc
	return enc
}

// Estimate returns the token count of text for a model, falling back to
// the length/4 heuristic when no encoding can be loaded.
func (e *Estimator) Estimate(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := e.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// EstimateDispatch returns (input, output) estimates for dispatching a
// task description to a model. Output is bounded by a fixed completion
// budget since the true size is unknown until the runtime reports it.
func (e *Estimator) EstimateDispatch(description, expectedOutput, model string) (int, int) {
	in := e.Estimate(description, model)
	out := e.Estimate(expectedOutput, model)
	if out == 0 {
		out = 1024
	}
	return in, out
}
