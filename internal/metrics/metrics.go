package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Items = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_items_total",
		Help: "Source items processed, by outcome",
	}, []string{"outcome"})
	ChunksPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdbridge_chunks_posted_total",
		Help: "Destination posts created",
	})
	Media = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_media_total",
		Help: "Media entities handled, by kind and outcome",
	}, []string{"kind", "outcome"})
	VideoPolls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdbridge_video_polls_total",
		Help: "Video job status polls",
	})
	Ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_ticks_total",
		Help: "Scheduler ticks, by mode",
	}, []string{"mode"})
	SourceRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdbridge_source_refresh_total",
		Help: "Source credential/query refreshes triggered by recovery",
	})
	ItemDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdbridge_item_duration_seconds",
		Help:    "Time spent migrating one item",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(Items, ChunksPosted, Media, VideoPolls, Ticks, SourceRefreshes, ItemDuration)
}

// ObserveItemDuration records the time since start.
func ObserveItemDuration(start time.Time) {
	ItemDuration.Observe(time.Since(start).Seconds())
}

// IncItem counts one item outcome.
func IncItem(outcome string) { Items.WithLabelValues(outcome).Inc() }

// IncMedia counts one media outcome.
func IncMedia(kind, outcome string) { Media.WithLabelValues(kind, outcome).Inc() }
