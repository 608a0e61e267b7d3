package aggregator

import (
	"candle-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	ticks       *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	late        *prometheus.CounterVec
	finalized   *prometheus.CounterVec
	open        *prometheus.GaugeVec
	recoverErrs *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) metrics {
	return metrics{
		ticks:       shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "candle_ticks_total", Help: "Ticks accepted"}, []string{"asset"}),
		rejected:    shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "candle_ticks_rejected_total", Help: "Ticks dropped before aggregation"}, []string{"asset", "reason"}),
		late:        shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "candle_ticks_late_total", Help: "Ticks for an already finalized bucket"}, []string{"tf"}),
		finalized:   shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "candle_finalized_total", Help: "Candles finalized"}, []string{"tf"}),
		open:        shared.NewGaugeVec(reg, prometheus.GaugeOpts{Name: "candle_open_windows", Help: "In-progress candles"}, []string{"tf"}),
		recoverErrs: shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "candle_recover_errors_total", Help: "Unreadable files or records at startup"}, []string{"tf"}),
	}
}
