// Package scheduler drives incremental checks and queued backfills across
// account mappings, one account and one item at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"birdbridge/internal/api"
	"birdbridge/internal/logging"
	"birdbridge/internal/media"
	"birdbridge/internal/metrics"
	"birdbridge/internal/models"
	syncer "birdbridge/internal/sync"
	"birdbridge/internal/thread"
)

const (
	defaultPageSize      = 40
	defaultBackfillLimit = 100
)

// ErrUnknownAccount is returned when a backfill names no enabled mapping.
var ErrUnknownAccount = errors.New("no enabled mapping for account")

// BatchProcessor is the migration sequencer as seen by the scheduler.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, dest syncer.Destination, account string, items []*models.SourceItem) syncer.BatchSummary
}

// Options holds scheduling parameters.
type Options struct {
	Interval         time.Duration
	PageDelay        time.Duration
	IncrementalLimit int
	PageSize         int
}

// MappingStatus describes one mapping for the status view.
type MappingStatus struct {
	Name       string   `json:"name"`
	Account    string   `json:"account"`
	Enabled    bool     `json:"enabled"`
	Source     string   `json:"source"`
	Identities []string `json:"identities"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	LastCheck time.Time        `json:"last_check"`
	NextCheck time.Time        `json:"next_check"`
	Running   string           `json:"running,omitempty"`
	Queue     []QueuedBackfill `json:"queue"`
	Mappings  []MappingStatus  `json:"mappings"`
}

// Scheduler owns the check timer, the backfill queue and the session registry.
type Scheduler struct {
	mappings  []models.AccountMapping
	registry  *Registry
	processor BatchProcessor
	history   thread.History
	queue     *BackfillQueue
	opts      Options

	sleep media.SleepFunc
	now   func() time.Time
	wake  chan struct{}

	mu        sync.Mutex
	lastCheck time.Time
	nextCheck time.Time
	running   string
}

// New creates a Scheduler.
func New(mappings []models.AccountMapping, registry *Registry, processor BatchProcessor, history thread.History, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if opts.IncrementalLimit <= 0 {
		opts.IncrementalLimit = 20
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Scheduler{
		mappings:  mappings,
		registry:  registry,
		processor: processor,
		history:   history,
		queue:     NewBackfillQueue(),
		opts:      opts,
		sleep:     media.Sleep,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// SetSleep replaces the page-delay sleeper.
func (s *Scheduler) SetSleep(fn media.SleepFunc) { s.sleep = fn }

// Queue exposes the backfill queue.
func (s *Scheduler) Queue() *BackfillQueue { return s.queue }

func (s *Scheduler) mappingFor(account string) (*models.AccountMapping, bool) {
	for i := range s.mappings {
		m := &s.mappings[i]
		if m.Enabled && m.Account() == account {
			return m, true
		}
	}
	return nil, false
}

// EnqueueBackfill queues a backfill of up to limit new items for account,
// replacing any pending request for it, and wakes the loop.
func (s *Scheduler) EnqueueBackfill(account string, limit int) (QueuedBackfill, error) {
	if _, ok := s.mappingFor(account); !ok {
		return QueuedBackfill{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	req := s.queue.Enqueue(account, limit)
	logging.Info("Backfill of %d items queued for %s (seq %d)", limit, account, req.Seq)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return QueuedBackfill{BackfillRequest: req, Position: s.queue.Position(account)}, nil
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{LastCheck: s.lastCheck, NextCheck: s.nextCheck, Running: s.running}
	s.mu.Unlock()

	st.Queue = s.queue.Snapshot()
	for _, m := range s.mappings {
		st.Mappings = append(st.Mappings, MappingStatus{
			Name:       m.Name,
			Account:    m.Account(),
			Enabled:    m.Enabled,
			Source:     m.Source.Kind,
			Identities: m.Source.Identities,
		})
	}
	return st
}

func (s *Scheduler) setRunning(what string) {
	s.mu.Lock()
	s.running = what
	s.mu.Unlock()
}

// Run checks immediately, then waits for the next check time or a queued
// backfill until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	logging.Info("Scheduler started, checking every %s", s.opts.Interval)
	for {
		s.Tick(ctx)
		if ctx.Err() != nil {
			logging.Info("Stopping scheduler due to context cancellation.")
			return
		}
		if s.queue.Len() > 0 {
			continue
		}

		s.mu.Lock()
		wait := s.nextCheck.Sub(s.now())
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logging.Info("Stopping scheduler due to context cancellation.")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick services the oldest queued backfill if there is one, else runs an
// incremental check when it is due.
func (s *Scheduler) Tick(ctx context.Context) {
	if req, ok := s.queue.Next(); ok {
		metrics.Ticks.WithLabelValues("backfill").Inc()
		s.runBackfill(ctx, req)
		s.queue.Done(req)
		return
	}

	s.mu.Lock()
	due := !s.now().Before(s.nextCheck)
	s.mu.Unlock()
	if !due {
		return
	}

	metrics.Ticks.WithLabelValues("incremental").Inc()
	s.RunIncremental(ctx)

	s.mu.Lock()
	s.lastCheck = s.now()
	s.nextCheck = s.lastCheck.Add(s.opts.Interval)
	next := s.nextCheck
	s.mu.Unlock()
	logging.Info("Next check at %s", next.Format(time.RFC3339))
}

// RunIncremental fetches a small recent window for every enabled mapping
// and migrates it.
func (s *Scheduler) RunIncremental(ctx context.Context) {
	for i := range s.mappings {
		if ctx.Err() != nil {
			return
		}
		m := &s.mappings[i]
		if !m.Enabled {
			continue
		}
		s.setRunning("incremental:" + m.Account())
		if err := s.processMapping(ctx, m, s.opts.IncrementalLimit, false); err != nil {
			logging.Error("Incremental check for %s failed: %v", m.Account(), err)
		}
	}
	s.setRunning("")
}

func (s *Scheduler) runBackfill(ctx context.Context, req models.BackfillRequest) {
	m, ok := s.mappingFor(req.Account)
	if !ok {
		logging.Warn("Dropping backfill for %s: mapping no longer enabled", req.Account)
		return
	}
	logging.Info("Starting backfill of up to %d new items for %s", req.Limit, req.Account)
	s.setRunning("backfill:" + req.Account)
	defer s.setRunning("")
	if err := s.processMapping(ctx, m, req.Limit, true); err != nil {
		logging.Error("Backfill for %s failed: %v", req.Account, err)
	}
}

// processMapping fetches items for every identity of m and feeds them to
// the sequencer. Any error here ends this account's turn.
func (s *Scheduler) processMapping(ctx context.Context, m *models.AccountMapping, limit int, backfill bool) error {
	account := m.Account()
	src, err := s.registry.Source(m.Source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dest, err := s.registry.Session(ctx, m.Destination)
	if err != nil {
		return err
	}

	var items []*models.SourceItem
	seen := make(map[string]bool)
	for _, identity := range m.Source.Identities {
		var got []*models.SourceItem
		if backfill {
			// The limit is shared by all identities of the mapping.
			budget := limit - len(items)
			if budget <= 0 {
				break
			}
			got, err = s.collectBackfill(ctx, src, identity, account, budget)
		} else {
			var res *models.SearchResult
			res, err = FetchWithRecovery(ctx, src, api.FromQuery(identity), limit, "")
			if res != nil {
				got = res.Items
			}
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", identity, err)
		}
		for _, item := range got {
			if !seen[item.ID] {
				seen[item.ID] = true
				items = append(items, item)
			}
		}
	}
	if backfill && len(items) > limit {
		items = items[:limit]
	}
	if len(items) == 0 {
		logging.Info("No items found for %s", account)
		return nil
	}

	summary := s.processor.ProcessBatch(ctx, dest, account, items)
	if summary.Err != nil {
		if api.IsAuthError(summary.Err) {
			s.registry.Invalidate(m.Destination)
		}
		return summary.Err
	}
	return nil
}

// collectBackfill pages backwards through identity's items until limit
// items without a History Store record are collected or the source runs dry.
func (s *Scheduler) collectBackfill(ctx context.Context, src api.Source, identity, account string, limit int) ([]*models.SourceItem, error) {
	query := api.FromQuery(identity)
	seen := make(map[string]bool)
	visited := map[string]bool{"": true}
	var fresh []*models.SourceItem
	cursor := ""

	for page := 1; len(fresh) < limit; page++ {
		if page > 1 {
			if err := s.sleep(ctx, s.opts.PageDelay); err != nil {
				return nil, err
			}
		}

		res, err := FetchWithRecovery(ctx, src, query, s.opts.PageSize, cursor)
		if err != nil {
			return nil, err
		}

		for _, item := range res.Items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true

			rec, err := s.history.Get(ctx, item.ID, account)
			if err != nil {
				return nil, fmt.Errorf("history lookup: %w", err)
			}
			if rec == nil {
				fresh = append(fresh, item)
				if len(fresh) == limit {
					break
				}
			}
		}
		logging.Info("Backfill %s page %d: %d items, %d new so far", identity, page, len(res.Items), len(fresh))

		// A page whose items were all filtered out still advances the
		// cursor; only an empty raw page or a repeated cursor ends paging.
		if res.Fetched == 0 && len(res.Items) == 0 {
			break
		}
		if res.Cursor == "" || visited[res.Cursor] {
			break
		}
		visited[res.Cursor] = true
		cursor = res.Cursor
	}
	return fresh, nil
}

// CancelBackfill drops the pending backfill for account. A backfill that is
// already running is not interrupted.
func (s *Scheduler) CancelBackfill(account string) bool {
	if !s.queue.Remove(account) {
		return false
	}
	logging.Info("Pending backfill for %s cancelled", account)
	return true
}
