package metrics

import (
	"strings"
	"time"

	"council/internal/decision"
	"council/internal/pkg/circuit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder 以 Prometheus 记录议会运行指标，使用独立 registry，便于测试与多实例。
type Recorder struct {
	registry     *prometheus.Registry
	agentCalls   *prometheus.CounterVec
	agentLatency *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	cycles       *prometheus.CounterVec
	rounds       *prometheus.HistogramVec
	liveCycles   prometheus.Gauge
	handoffs     *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		agentCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_agent_calls_total",
				Help: "Agent invocations by backend, phase and outcome (ok or abstention reason)",
			},
			[]string{"backend", "phase", "outcome"},
		),
		agentLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "council_agent_call_duration_seconds",
				Help:    "Agent invocation latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend", "phase"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "council_backend_breaker_state",
				Help: "Circuit breaker state per backend (0 closed, 1 open, 2 half-open)",
			},
			[]string{"backend"},
		),
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_cycles_total",
				Help: "Terminal cycles by state and reason",
			},
			[]string{"state", "reason"},
		),
		rounds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "council_cycle_rounds",
				Help:    "Rounds used per cycle",
				Buckets: []float64{3, 4, 5, 6, 7, 8, 10},
			},
			[]string{"state"},
		),
		liveCycles: f.NewGauge(prometheus.GaugeOpts{
			Name: "council_live_cycles",
			Help: "Cycles currently deliberating",
		}),
		handoffs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_handoffs_total",
				Help: "Decision handoffs by sink and result",
			},
			[]string{"sink", "result"},
		),
	}
}

// Registry 供 /metrics 暴露。
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) ObserveCall(_ string, backend string, phase decision.Phase, elapsed time.Duration, reason decision.AbstainReason) {
	outcome := "ok"
	if reason != "" {
		outcome = string(reason)
	}
	r.agentCalls.WithLabelValues(backend, string(phase), outcome).Inc()
	r.agentLatency.WithLabelValues(backend, string(phase)).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveBreaker(backend string, state circuit.State) {
	r.breakerState.WithLabelValues(backend).Set(float64(state))
}

func (r *Recorder) CycleStarted() { r.liveCycles.Inc() }

func (r *Recorder) CycleFinished(out decision.Outcome, rounds int) {
	r.liveCycles.Dec()
	reason := out.Reason
	// 具体校验项放在审计里，指标只保留大类。
	if strings.HasPrefix(reason, "constraint_violation") {
		reason = "constraint_violation"
	}
	r.cycles.WithLabelValues(string(out.State), reason).Inc()
	r.rounds.WithLabelValues(string(out.State)).Observe(float64(rounds))
}

func (r *Recorder) Handoff(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.handoffs.WithLabelValues(sink, result).Inc()
}
