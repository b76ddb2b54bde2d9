package api

import (
	"context"
	"fmt"

	"birdbridge/internal/models"
)

// Source is a feed that can be searched for one author's items.
type Source interface {
	// Search returns up to limit items matching query, newest first. maxID,
	// when set, restricts results to items at or older than that id.
	Search(ctx context.Context, query string, limit int, maxID string) (*models.SearchResult, error)
	// Refresh renews the source credentials or query parameters after a
	// stale-credential error.
	Refresh(ctx context.Context) error
}

// FromQuery builds the author query used for incremental checks and backfills.
func FromQuery(identity string) string {
	return "from:" + identity
}

// NewSource builds the source adapter named by cfg.Kind.
func NewSource(cfg models.SourceConfig, rps float64) (Source, error) {
	switch cfg.Kind {
	case "", "twitter":
		return NewTwitterSource(cfg.BaseURL, cfg.BearerToken, rps), nil
	case "mastodon":
		return NewMastodonSource(cfg.BaseURL, cfg.AccessToken, rps)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
