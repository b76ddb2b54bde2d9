package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"birdbridge/internal/api"
	"birdbridge/internal/logging"
	"birdbridge/internal/models"
	syncer "birdbridge/internal/sync"
)

// LoginFunc opens an authenticated destination session.
type LoginFunc func(ctx context.Context, dest models.DestinationConfig) (syncer.Destination, error)

// SourceFunc builds a source client for a mapping.
type SourceFunc func(cfg models.SourceConfig) (api.Source, error)

// Registry hands out reusable destination sessions and source clients,
// created lazily and keyed by credential identity.
type Registry struct {
	login     LoginFunc
	newSource SourceFunc

	mu       sync.Mutex
	sessions map[string]syncer.Destination
	sources  map[string]api.Source
}

// NewRegistry creates a Registry.
func NewRegistry(login LoginFunc, newSource SourceFunc) *Registry {
	return &Registry{
		login:     login,
		newSource: newSource,
		sessions:  make(map[string]syncer.Destination),
		sources:   make(map[string]api.Source),
	}
}

func credentialKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func destinationKey(dest models.DestinationConfig) string {
	return credentialKey(dest.ServiceURL, dest.VideoURL, dest.Identifier, dest.Password)
}

// Session returns the session for dest, logging in on first use.
func (r *Registry) Session(ctx context.Context, dest models.DestinationConfig) (syncer.Destination, error) {
	key := destinationKey(dest)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	s, err := r.login(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", dest.Identifier, err)
	}
	r.sessions[key] = s
	return s, nil
}

// Invalidate forgets the session for dest so the next use logs in again.
func (r *Registry) Invalidate(dest models.DestinationConfig) {
	r.mu.Lock()
	delete(r.sessions, destinationKey(dest))
	r.mu.Unlock()
	logging.Info("Dropped cached session for %s", dest.Identifier)
}

// Source returns the source client for cfg, creating it on first use.
func (r *Registry) Source(cfg models.SourceConfig) (api.Source, error) {
	key := credentialKey(cfg.Kind, cfg.BaseURL, cfg.BearerToken, cfg.AccessToken)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[key]; ok {
		return s, nil
	}
	s, err := r.newSource(cfg)
	if err != nil {
		return nil, err
	}
	r.sources[key] = s
	return s, nil
}
