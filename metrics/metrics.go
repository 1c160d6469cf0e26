// Package metrics records dispatch engine events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SweepStats summarises one sweeper run.
type SweepStats struct {
	Expired      int
	Reoffered    int
	Stranded     int
	Redispatched int
	Skipped      int
	Duration     time.Duration
	Failed       bool
}

// Recorder receives engine events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// OfferCreated counts a new PENDING offer by tier.
	OfferCreated(tier string)
	// OfferResolved counts an offer leaving PENDING and how long it was open.
	OfferResolved(status string, open time.Duration)
	// DispatchOutcome counts orchestrator results: "offered" or "exhausted".
	DispatchOutcome(trigger, outcome string)
	SweepCompleted(stats SweepStats)
}

// Nop discards all events.
type Nop struct{}

func (Nop) OfferCreated(string)                 {}
func (Nop) OfferResolved(string, time.Duration) {}
func (Nop) DispatchOutcome(string, string)      {}
func (Nop) SweepCompleted(SweepStats)           {}

// PromRecorder exposes engine events as Prometheus metrics.
type PromRecorder struct {
	offersCreated  *prometheus.CounterVec
	offersResolved *prometheus.CounterVec
	offerOpen      *prometheus.HistogramVec
	dispatches     *prometheus.CounterVec
	sweepRuns      *prometheus.CounterVec
	sweepOffers    *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
}

// NewPromRecorder registers the engine metrics on reg. A nil registerer
// defaults to the global Prometheus registerer.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PromRecorder{
		offersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esd_offers_created_total",
			Help: "Offers created, by tier",
		}, []string{"tier"}),
		offersResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esd_offers_resolved_total",
			Help: "Offers that left PENDING, by final status",
		}, []string{"status"}),
		offerOpen: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esd_offer_open_seconds",
			Help:    "Time an offer spent PENDING before resolution",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esd_dispatch_total",
			Help: "Dispatch attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esd_sweeper_runs_total",
			Help: "Sweeper runs by result",
		}, []string{"result"}),
		sweepOffers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esd_sweeper_offers_total",
			Help: "Offers handled by the sweeper, by action",
		}, []string{"action"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "esd_sweeper_duration_seconds",
			Help:    "Duration of sweeper runs",
			Buckets: prometheus.DefBuckets,
		}),
	}

	var err error
	if r.offersCreated, err = registerCounterVec(reg, r.offersCreated); err != nil {
		return nil, err
	}
	if r.offersResolved, err = registerCounterVec(reg, r.offersResolved); err != nil {
		return nil, err
	}
	if r.dispatches, err = registerCounterVec(reg, r.dispatches); err != nil {
		return nil, err
	}
	if r.sweepRuns, err = registerCounterVec(reg, r.sweepRuns); err != nil {
		return nil, err
	}
	if r.sweepOffers, err = registerCounterVec(reg, r.sweepOffers); err != nil {
		return nil, err
	}
	if err := reg.Register(r.offerOpen); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		r.offerOpen = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	if err := reg.Register(r.sweepDuration); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		r.sweepDuration = are.ExistingCollector.(prometheus.Histogram)
	}
	return r, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return c, nil
}

func (r *PromRecorder) OfferCreated(tier string) {
	r.offersCreated.WithLabelValues(tier).Inc()
}

func (r *PromRecorder) OfferResolved(status string, open time.Duration) {
	r.offersResolved.WithLabelValues(status).Inc()
	if open > 0 {
		r.offerOpen.WithLabelValues(status).Observe(open.Seconds())
	}
}

func (r *PromRecorder) DispatchOutcome(trigger, outcome string) {
	r.dispatches.WithLabelValues(trigger, outcome).Inc()
}

func (r *PromRecorder) SweepCompleted(s SweepStats) {
	result := "ok"
	if s.Failed {
		result = "error"
	}
	r.sweepRuns.WithLabelValues(result).Inc()
	r.sweepDuration.Observe(s.Duration.Seconds())
	r.sweepOffers.WithLabelValues("expired").Add(float64(s.Expired))
	r.sweepOffers.WithLabelValues("reoffered").Add(float64(s.Reoffered))
	r.sweepOffers.WithLabelValues("stranded").Add(float64(s.Stranded))
	r.sweepOffers.WithLabelValues("redispatched").Add(float64(s.Redispatched))
	r.sweepOffers.WithLabelValues("skipped").Add(float64(s.Skipped))
}
