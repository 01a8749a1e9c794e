// Package metrics exposes Prometheus counters for sync runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var VideosProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vidsync_videos_processed_total",
	Help: "Source videos processed, by result.",
}, []string{"result"})
var StagesTraced = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vidsync_stages_traced_total",
}, []string{"stage"})
var AssetsUploaded = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vidsync_assets_uploaded_total",
}, []string{"kind"})
var AssetsReused = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vidsync_assets_reused_total",
	Help: "Uploads skipped because the cache already held a hash for the role and batch.",
}, []string{"kind"})
var BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "vidsync_bytes_uploaded_total",
})
var EntriesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vidsync_catalog_entries_deleted_total",
}, []string{"reason"})
var IndexRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vidsync_index_requests_total",
	Help: "Requests sent to the index service, by method and status code.",
}, []string{"method", "status"})

func init() {
	prometheus.MustRegister(VideosProcessed)
	prometheus.MustRegister(StagesTraced)
	prometheus.MustRegister(AssetsUploaded)
	prometheus.MustRegister(AssetsReused)
	prometheus.MustRegister(BytesUploaded)
	prometheus.MustRegister(EntriesDeleted)
	prometheus.MustRegister(IndexRequests)
}
