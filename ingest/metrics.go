package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var flushedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomcap_ingest_flushed_messages_total",
	Help: "Messages written to the store by the ingest buffer",
}, []string{"kind"})

var droppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomcap_ingest_dropped_messages_total",
	Help: "Messages dropped by the ignore/dedup filter",
}, []string{"kind", "cmd"})

var bufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "roomcap_ingest_buffer_depth",
	Help: "Messages currently queued awaiting flush",
})

var flushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "roomcap_ingest_flush_batch_size",
	Help:    "Distribution of flush batch sizes",
	Buckets: prometheus.ExponentialBuckets(1, 2, 12),
})
