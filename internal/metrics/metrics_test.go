package metrics

import (
	"errors"
	"testing"
	"time"

	"council/internal/decision"
	"council/internal/pkg/circuit"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveCall("a", "rule", decision.PhaseContextVoting, 10*time.Millisecond, "")
	r.ObserveCall("b", "rule", decision.PhaseContextVoting, time.Second, decision.AbstainTimeout)
	r.ObserveBreaker("openai", circuit.StateOpen)
	r.CycleStarted()
	r.CycleFinished(decision.Outcome{State: decision.StateHold, Reason: decision.ConstraintReason("max_risk_exceeded")}, 5)
	r.Handoff("webhook", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.agentCalls.WithLabelValues("rule", "context_voting", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.agentCalls.WithLabelValues("rule", "context_voting", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerState.WithLabelValues("openai")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.liveCycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("terminal_hold", "constraint_violation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.handoffs.WithLabelValues("webhook", "error")))

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["council_agent_calls_total"])
	assert.True(t, names["council_cycle_rounds"])
}
