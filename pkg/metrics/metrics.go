// Package metrics exposes the driver's per-slot state as Prometheus
// gauges and counters: radio power, registration status, active data
// call count, and the retry/timeout/stray-reap counters spec.md's error
// taxonomy treats as ordinary operational noise rather than failures.
// Grounded on the pack's promauto-with-explicit-registry idiom
// (marmos91-dittofs/pkg/metrics/prometheus), simplified to one package
// since this driver has no import-cycle pressure to indirect through an
// interface the way dittofs's cache/nfs/s3 families do.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process-wide Prometheus registry and the families
// shared across every slot; per-slot gauges/counters come from
// NewSlotMetrics, which fixes the "slot" label.
type Registry struct {
	reg *prometheus.Registry

	radioOn         *prometheus.GaugeVec
	voiceRegStatus  *prometheus.GaugeVec
	dataRegStatus   *prometheus.GaugeVec
	activeDataCalls *prometheus.GaugeVec
	prefMode        *prometheus.GaugeVec

	retries    *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	strayReaps *prometheus.CounterVec
}

// NewRegistry builds a fresh Prometheus registry with this driver's
// metric families registered. Call it once per process.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Registry{
		reg: reg,
		radioOn: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rild_radio_power_on",
			Help: "1 if the slot's radio power is currently reported on, else 0.",
		}, []string{"slot"}),
		voiceRegStatus: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rild_voice_registration_status",
			Help: "Last reported voice registration status code for the slot.",
		}, []string{"slot"}),
		dataRegStatus: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rild_data_registration_status",
			Help: "Last reported data registration status code for the slot.",
		}, []string{"slot"}),
		activeDataCalls: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rild_active_data_calls",
			Help: "Number of data calls currently active on the slot.",
		}, []string{"slot"}),
		prefMode: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rild_preferred_network_mode",
			Help: "Last confirmed SET_PREFERRED_NETWORK_TYPE value for the slot.",
		}, []string{"slot"}),
		retries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rild_request_retries_total",
			Help: "Total number of silent RIL request retries, by request kind.",
		}, []string{"slot", "kind"}),
		timeouts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rild_request_timeouts_total",
			Help: "Total number of RIL request timeouts, by request kind.",
		}, []string{"slot", "kind"}),
		strayReaps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rild_stray_call_reaps_total",
			Help: "Total number of ungrabbed data calls deactivated by the stray-call reaper.",
		}, []string{"slot"}),
	}
}

// Handler returns the HTTP handler serving this registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SlotMetrics is the per-slot view onto a Registry's families, with the
// "slot" label already bound.
type SlotMetrics struct {
	label string

	radioOn         prometheus.Gauge
	voiceRegStatus  prometheus.Gauge
	dataRegStatus   prometheus.Gauge
	activeDataCalls prometheus.Gauge
	prefMode        prometheus.Gauge

	retries    *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	strayReaps prometheus.Counter
}

// NewSlotMetrics binds r's families to one slot index.
func NewSlotMetrics(r *Registry, slotIndex int) *SlotMetrics {
	label := strconv.Itoa(slotIndex)
	return &SlotMetrics{
		label:           label,
		radioOn:         r.radioOn.WithLabelValues(label),
		voiceRegStatus:  r.voiceRegStatus.WithLabelValues(label),
		dataRegStatus:   r.dataRegStatus.WithLabelValues(label),
		activeDataCalls: r.activeDataCalls.WithLabelValues(label),
		prefMode:        r.prefMode.WithLabelValues(label),
		retries:         r.retries.MustCurryWith(prometheus.Labels{"slot": label}),
		timeouts:        r.timeouts.MustCurryWith(prometheus.Labels{"slot": label}),
		strayReaps:      r.strayReaps.WithLabelValues(label),
	}
}

func (m *SlotMetrics) SetRadioOn(on bool) {
	if on {
		m.radioOn.Set(1)
	} else {
		m.radioOn.Set(0)
	}
}

func (m *SlotMetrics) SetVoiceRegStatus(status int)  { m.voiceRegStatus.Set(float64(status)) }
func (m *SlotMetrics) SetDataRegStatus(status int)   { m.dataRegStatus.Set(float64(status)) }
func (m *SlotMetrics) SetActiveDataCalls(n int)      { m.activeDataCalls.Set(float64(n)) }
func (m *SlotMetrics) SetPrefMode(mode int32)        { m.prefMode.Set(float64(mode)) }
func (m *SlotMetrics) IncRetry(kind string)          { m.retries.WithLabelValues(kind).Inc() }
func (m *SlotMetrics) IncTimeout(kind string)         { m.timeouts.WithLabelValues(kind).Inc() }
func (m *SlotMetrics) IncStrayReap()                 { m.strayReaps.Inc() }
