package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsExposure(t *testing.T) {
	IncItem("migrated")
	IncMedia("photo", "uploaded")
	ChunksPosted.Inc()
	VideoPolls.Inc()
	Ticks.WithLabelValues("incremental").Inc()
	SourceRefreshes.Inc()
	ObserveItemDuration(time.Now().Add(-1500 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"birdbridge_items_total",
		"birdbridge_chunks_posted_total",
		"birdbridge_media_total",
		"birdbridge_video_polls_total",
		"birdbridge_ticks_total",
		"birdbridge_source_refresh_total",
		"birdbridge_item_duration_seconds",
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
