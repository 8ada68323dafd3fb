// Package taskrouter assigns complexity scores to tasks and selects the
// model tier and worker agent for each.
package taskrouter

import (
	"regexp"
	"strings"
)

// keyword weights for the heuristic assessor. Multiple matches compound.
var complexityKeywords = []struct {
	keyword string
	points  int
}{
	{"refactor", 20},
	{"architecture", 15},
	{"implement", 15},
	{"analyze", 15},
	{"debug", 15},
	{"migrate", 15},
	{"multiple files", 15},
	{"concurrency", 15},
	{"optimize", 12},
	{"build", 10},
	{"create a", 10},
	{"design", 10},
	{"fix the", 10},
	{"integrate", 10},
	{"test", 5},
}

var stepPattern = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*])\s+`)

// AssessComplexity scores a task description on the 1..10 scale using
// length, keyword density and step count. Pure function of its input.
func AssessComplexity(description string) int {
	score := 0
	lower := strings.ToLower(description)

	// Length: longer descriptions usually mean more moving parts.
	words := len(strings.Fields(description))
	switch {
	case words > 200:
		score += 30
	case words > 80:
		score += 15
	case words > 30:
		score += 5
	}

	matched := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw.keyword) {
			score += kw.points
			matched++
		}
	}
	if matched >= 3 {
		score += 10
	}

	// Explicit step lists signal multi-stage work.
	steps := len(stepPattern.FindAllString(description, -1))
	switch {
	case steps >= 6:
		score += 20
	case steps >= 3:
		score += 10
	case steps >= 1:
		score += 5
	}

	// Trivial one-liner requests.
	simplePrefixes := []string{"what is", "what's", "how do i", "print", "rename"}
	for _, p := range simplePrefixes {
		if strings.HasPrefix(lower, p) {
			score -= 15
			break
		}
	}

	return clampScale(score)
}

// clampScale maps a 0..100 raw score onto the 1..10 complexity scale.
func clampScale(raw int) int {
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	c := raw/10 + 1
	if c > 10 {
		c = 10
	}
	return c
}
