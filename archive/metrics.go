package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "roomcap_compactor_pass_duration_seconds",
	Help:    "Wall time of full compaction passes",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
})

var passErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomcap_compactor_pass_errors_total",
	Help: "Compaction passes aborted by an error",
}, []string{"kind"})

var blobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomcap_compactor_blobs_created_total",
	Help: "Archive blobs written",
}, []string{"kind"})

var rowsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomcap_compactor_rows_archived_total",
	Help: "Active rows folded into archive blobs",
}, []string{"kind"})
