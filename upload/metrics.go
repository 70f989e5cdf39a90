package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var uploadResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomcap_upload_results_total",
	Help: "Upload attempts per (room, day, endpoint) by outcome",
}, []string{"kind", "result"})
