package livews

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "roomcap_livews_frames_dropped_total",
	Help: "Wire frames dropped for being malformed or commandless",
})
