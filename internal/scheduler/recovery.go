package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"birdbridge/internal/api"
	"birdbridge/internal/logging"
	"birdbridge/internal/metrics"
	"birdbridge/internal/models"
)

// Source API error codes that mean the credentials or query shape went stale.
var recoverableCodes = map[int]bool{
	89:  true, // invalid or expired token
	200: true, // forbidden, usually an outdated query
	239: true, // bad guest token
}

var recoverablePatterns = []string{
	"guest token",
	"invalid token",
	"expired token",
	"token has expired",
	"session expired",
	"stale",
	"query id",
	"unknown query",
	"could not authenticate",
}

// IsRecoverable reports whether a source fetch error is worth one
// credential refresh and retry.
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *api.SourceError
	if errors.As(err, &se) {
		if recoverableCodes[se.Code] || se.StatusCode == http.StatusUnauthorized {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// FetchWithRecovery runs one source search. On a recoverable error it
// refreshes the source exactly once and retries the same search exactly once.
func FetchWithRecovery(ctx context.Context, src api.Source, query string, limit int, maxID string) (*models.SearchResult, error) {
	res, err := src.Search(ctx, query, limit, maxID)
	if err == nil || !IsRecoverable(err) {
		return res, err
	}

	logging.Warn("Source fetch %q failed with a stale credential or query (%v), refreshing and retrying once", query, err)
	metrics.SourceRefreshes.Inc()
	if rerr := src.Refresh(ctx); rerr != nil {
		return nil, fmt.Errorf("refresh after %v: %w", err, rerr)
	}
	res, err = src.Search(ctx, query, limit, maxID)
	if err != nil {
		return nil, fmt.Errorf("retry after refresh: %w", err)
	}
	return res, nil
}
