package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planflow_requests_total",
		Help: "Requests by endpoint and status code.",
	}, []string{"endpoint", "status"})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planflow_active_streams",
		Help: "SSE streams currently open.",
	})
)

func observe(endpoint string, status int) {
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}
