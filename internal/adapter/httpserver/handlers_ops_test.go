package httpserver_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

func TestBudgetStatus(t *testing.T) {
	env := newTestEnv()
	require.NoError(t, env.ledger.Charge(context.Background(), 250, domain.TierSonnet))

	w := doJSON(t, env.srv.BudgetStatusHandler(), http.MethodGet, "/budget/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.EqualValues(t, 250, body["daily_spent_cents"])
	require.EqualValues(t, 1000, body["daily_limit_cents"])
	require.Equal(t, false, body["cloud_blocked"])
}

func TestBudgetConfig_PartialUpdate(t *testing.T) {
	env := newTestEnv()
	w := doJSON(t, env.srv.BudgetConfigUpdateHandler(), http.MethodPatch, "/budget/config",
		`{"daily_limit_cents":5000}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.EqualValues(t, 5000, body["daily_limit_cents"])
	// Untouched fields keep their values.
	require.EqualValues(t, 0.8, body["warning_threshold"])
	require.Equal(t, true, body["enabled"])
}

func TestBudgetReset_Cooldown(t *testing.T) {
	env := newTestEnv()
	require.NoError(t, env.ledger.Charge(context.Background(), 100, domain.TierSonnet))

	w := doJSON(t, env.srv.BudgetResetHandler(), http.MethodPost, "/budget/reset", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 0, decodeBody(t, w)["daily_spent_cents"])

	// Second reset inside the five-minute window is refused.
	w = doJSON(t, env.srv.BudgetResetHandler(), http.MethodPost, "/budget/reset", "", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	envErr := decodeBody(t, w)["error"].(map[string]any)
	require.Equal(t, "RATE_LIMITED", envErr["code"])
}

func TestBudgetCloudBlocked_AfterCap(t *testing.T) {
	env := newTestEnv()
	require.NoError(t, env.ledger.Charge(context.Background(), 999, domain.TierSonnet))
	require.NoError(t, env.ledger.Charge(context.Background(), 10, domain.TierSonnet))

	w := doJSON(t, env.srv.BudgetCloudBlockedHandler(), http.MethodGet, "/budget/cloud-blocked", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["blocked"])
}

func TestCostSummary_IncludesLedgerCounters(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.ledger.Charge(ctx, 42, domain.TierSonnet))
	_, err := env.logs.Append(ctx, domain.ExecutionLog{
		TaskID: "t-1", AgentID: "a-1", Timestamp: time.Now().UTC(),
		ModelUsed: "claude-sonnet-4", InputTokens: 1000, OutputTokens: 100,
	})
	require.NoError(t, err)

	w := doJSON(t, env.srv.CostSummaryHandler(), http.MethodGet, "/cost-metrics/summary", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.EqualValues(t, 42, body["daily_spent_cents"])
	require.Greater(t, body["total_cents"].(float64), 0.0)
}

func TestValidationLifecycleEndpoints(t *testing.T) {
	env := newTestEnv()
	env.srv.Validation.Submit(context.Background(), "t-9", "go test ./...")
	env.srv.Validation.Wait()

	w := doJSON(t, env.srv.ValidationStatusHandler(), http.MethodGet, "/validation/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decodeBody(t, w)["passed"])

	w = doJSON(t, env.srv.ValidationResultsHandler(), http.MethodGet, "/validation/results", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	results := decodeBody(t, w)["results"].([]any)
	require.Len(t, results, 1)

	w = doJSON(t, env.srv.ValidationClearHandler(), http.MethodPost, "/validation/clear", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.srv.ValidationResultsHandler(), http.MethodGet, "/validation/results", "", nil)
	require.Empty(t, decodeBody(t, w)["results"])
}

func TestReadyz_DependencyFailure(t *testing.T) {
	env := newTestEnv()
	env.srv.DBCheck = func(context.Context) error { return nil }
	env.srv.RedisCheck = func(context.Context) error { return context.DeadlineExceeded }

	w := doJSON(t, env.srv.ReadyzHandler(), http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "ok", body["db"])
	require.NotEqual(t, "ok", body["redis"])
}

func TestReadyz_RuntimeOnlyDegrades(t *testing.T) {
	env := newTestEnv()
	env.srv.DBCheck = func(context.Context) error { return nil }

	w := doJSON(t, env.srv.ReadyzHandler(), http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decodeBody(t, w)["agents_runtime"])
}
