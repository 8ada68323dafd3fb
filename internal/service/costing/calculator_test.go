package costing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/costing"
)

func TestCost_ExactAndFamilyMatch(t *testing.T) {
	t.Parallel()
	c := costing.NewCalculator()

	// 1M input + 1M output tokens of sonnet = 300 + 1500 cents.
	l := domain.ExecutionLog{ModelUsed: "sonnet", InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 1800.0, c.Cost(l), 1e-9)

	// Dated model resolves via family substring, longest key wins:
	// haiku-4-5 beats the shorter haiku entry.
	l = domain.ExecutionLog{ModelUsed: "claude-haiku-4-5-20250101", InputTokens: 1_000_000}
	assert.InDelta(t, 100.0, c.Cost(l), 1e-9)

	// Plain haiku family.
	l = domain.ExecutionLog{ModelUsed: "claude-haiku-3", InputTokens: 1_000_000}
	assert.InDelta(t, 80.0, c.Cost(l), 1e-9)
}

func TestCost_UnknownAndLocalAreFree(t *testing.T) {
	t.Parallel()
	c := costing.NewCalculator()
	assert.Zero(t, c.Cost(domain.ExecutionLog{ModelUsed: "mystery-model", InputTokens: 500_000}))
	assert.Zero(t, c.Cost(domain.ExecutionLog{ModelUsed: "qwen-coder:16k", InputTokens: 500_000, OutputTokens: 500_000}))
}

func TestTierFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, domain.TierHaiku, costing.TierFor("claude-haiku-4-5"))
	assert.Equal(t, domain.TierSonnet, costing.TierFor("SONNET"))
	assert.Equal(t, domain.TierOpus, costing.TierFor("claude-opus-4"))
	assert.Equal(t, domain.TierGrok, costing.TierFor("grok-2"))
	assert.Equal(t, domain.TierFree, costing.TierFor("qwen-coder:32k"))
}

func TestAggregate_PartitionInvariant(t *testing.T) {
	t.Parallel()
	c := costing.NewCalculator()
	logs := []domain.ExecutionLog{
		{ModelUsed: "sonnet", InputTokens: 120_000, OutputTokens: 30_000},
		{ModelUsed: "haiku", InputTokens: 900_000, OutputTokens: 100_000},
		{ModelUsed: "qwen-coder:16k", InputTokens: 2_000_000, OutputTokens: 400_000},
		{ModelUsed: "opus", InputTokens: 10_000, OutputTokens: 5_000},
	}
	whole := c.Aggregate(logs)

	// Any partition sums to the whole.
	a := c.Aggregate(logs[:2])
	b := c.Aggregate(logs[2:])
	assert.InDelta(t, whole.TotalCents, a.TotalCents+b.TotalCents, 1e-9)

	assert.InDelta(t, whole.TotalCents, whole.ByTier[domain.TierSonnet]+whole.ByTier[domain.TierHaiku]+whole.ByTier[domain.TierFree]+whole.ByTier[domain.TierOpus], 1e-9)
}

func TestLoadRates_Override(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	body := "sonnet:\n  input_cents_per_mtok: 1\n  output_cents_per_mtok: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := costing.LoadRates(path)
	require.NoError(t, err)
	got := c.Cost(domain.ExecutionLog{ModelUsed: "sonnet", InputTokens: 1_000_000, OutputTokens: 1_000_000})
	assert.InDelta(t, 3.0, got, 1e-9)
	// Families absent from the override price to zero.
	assert.Zero(t, c.Cost(domain.ExecutionLog{ModelUsed: "opus", InputTokens: 1_000_000}))
}
