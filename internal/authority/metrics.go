package authority

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftdesk_licensed",
		Name:      "api_requests_total",
		Help:      "API requests by route and status code.",
	}, []string{"route", "method", "status"})

	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftdesk_licensed",
		Name:      "activations_total",
		Help:      "License activation attempts by outcome.",
	}, []string{"outcome"})

	trialsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "draftdesk_licensed",
		Name:      "trials_issued_total",
		Help:      "Trial licenses issued by the authority.",
	})
)
