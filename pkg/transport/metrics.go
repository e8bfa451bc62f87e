package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acphast_rpc_requests_total",
		Help: "Inbound JSON-RPC requests by method.",
	}, []string{"method"})

	rpcResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acphast_rpc_responses_total",
		Help: "Outbound JSON-RPC responses by status.",
	}, []string{"status"})

	notificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acphast_notifications_total",
		Help: "Streaming notifications delivered toward clients.",
	})

	sseClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acphast_sse_clients",
		Help: "Currently connected SSE subscribers.",
	})
)
