package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatedial/gatedial/internal/sipcall"
)

// AttemptCounter returns attempt totals grouped by outcome.
type AttemptCounter interface {
	CountByOutcome(ctx context.Context) (map[sipcall.Outcome]int64, error)
}

// RegistrationStatusProvider exposes the current SIP registration state.
type RegistrationStatusProvider interface {
	Status() (registered bool, expiresAt time.Time)
}

// PhaseProvider exposes the current call lifecycle phase.
type PhaseProvider interface {
	Current() sipcall.Phase
}

// LastResultProvider exposes the most recent attempt result.
type LastResultProvider interface {
	LastResult() *sipcall.CallResult
}

// attemptOutcomes are the outcome label values always exported, so the
// series exist (at zero) before the first attempt of each kind.
var attemptOutcomes = []sipcall.Outcome{
	sipcall.OutcomeOpened,
	sipcall.OutcomeBusy,
	sipcall.OutcomeAnswered,
	sipcall.OutcomeRejected,
	sipcall.OutcomeTimeout,
	sipcall.OutcomeTransportError,
	sipcall.OutcomeAuthError,
}

// Collector is a prometheus.Collector that gathers gate dialer metrics at
// scrape time.
type Collector struct {
	attempts     AttemptCounter
	registration RegistrationStatusProvider
	phase        PhaseProvider
	lastResult   LastResultProvider
	startTime    time.Time

	attemptsTotalDesc    *prometheus.Desc
	callActiveDesc       *prometheus.Desc
	registeredDesc       *prometheus.Desc
	lastCallDurationDesc *prometheus.Desc
	lastCallRingsDesc    *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	attempts AttemptCounter,
	registration RegistrationStatusProvider,
	phase PhaseProvider,
	lastResult LastResultProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		attempts:     attempts,
		registration: registration,
		phase:        phase,
		lastResult:   lastResult,
		startTime:    startTime,

		attemptsTotalDesc: prometheus.NewDesc(
			"gatedial_attempts_total",
			"Total gate call attempts by outcome",
			[]string{"outcome"}, nil,
		),
		callActiveDesc: prometheus.NewDesc(
			"gatedial_call_active",
			"Whether a gate call is currently in progress (1=active)",
			nil, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"gatedial_sip_registered",
			"Whether a live SIP registration is held (1=registered)",
			nil, nil,
		),
		lastCallDurationDesc: prometheus.NewDesc(
			"gatedial_last_call_duration_seconds",
			"Duration of the most recent gate call attempt",
			nil, nil,
		),
		lastCallRingsDesc: prometheus.NewDesc(
			"gatedial_last_call_rings",
			"Rings observed during the most recent gate call attempt",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"gatedial_uptime_seconds",
			"Seconds since the gatedial process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.attemptsTotalDesc
	ch <- c.callActiveDesc
	ch <- c.registeredDesc
	ch <- c.lastCallDurationDesc
	ch <- c.lastCallRingsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.attempts != nil {
		counts, err := c.attempts.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count attempts by outcome", "error", err)
		} else {
			for _, outcome := range attemptOutcomes {
				ch <- prometheus.MustNewConstMetric(
					c.attemptsTotalDesc, prometheus.CounterValue,
					float64(counts[outcome]), string(outcome),
				)
			}
		}
	}

	if c.phase != nil {
		active := 0.0
		switch c.phase.Current() {
		case sipcall.PhaseIdle, sipcall.PhaseCompleted, sipcall.PhaseFailed:
		default:
			active = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.callActiveDesc, prometheus.GaugeValue, active,
		)
	}

	if c.registration != nil {
		registered, _ := c.registration.Status()
		val := 0.0
		if registered {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.registeredDesc, prometheus.GaugeValue, val,
		)
	}

	if c.lastResult != nil {
		if last := c.lastResult.LastResult(); last != nil {
			ch <- prometheus.MustNewConstMetric(
				c.lastCallDurationDesc, prometheus.GaugeValue,
				last.Duration.Seconds(),
			)
			ch <- prometheus.MustNewConstMetric(
				c.lastCallRingsDesc, prometheus.GaugeValue,
				float64(last.RingCount),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
