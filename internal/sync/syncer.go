package sync

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"

	"birdbridge/internal/api"
	"birdbridge/internal/logging"
	"birdbridge/internal/media"
	"birdbridge/internal/metrics"
	"birdbridge/internal/models"
	"birdbridge/internal/thread"
	"birdbridge/internal/transform"
)

// ResultKind is the outcome of processing one item.
type ResultKind int

const (
	// Migrated means at least the first chunk was posted and recorded.
	Migrated ResultKind = iota
	// Skipped means the item was recorded as skipped without posting.
	Skipped
	// Duplicate means a History Store record already existed.
	Duplicate
	// Failed means posting failed; the item stays unrecorded and is retried next run.
	Failed
	// Fatal means the account cannot continue this tick.
	Fatal
)

func (k ResultKind) String() string {
	switch k {
	case Migrated:
		return "migrated"
	case Skipped:
		return "skipped"
	case Duplicate:
		return "duplicate"
	case Failed:
		return "failed"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Result is the per-item value the batch loop inspects to continue or abort.
type Result struct {
	Kind   ResultKind
	ItemID string
	Post   models.PostRef
	Root   models.PostRef
	// Chunks is the number of chunks actually posted.
	Chunks int
	Reason string
	Err    error
}

// Destination is an authenticated destination session.
type Destination interface {
	media.Destination
	CreatePost(ctx context.Context, draft *models.PostDraft) (models.PostRef, error)
}

// History is the History Store as used by the sequencer.
type History interface {
	thread.History
	Put(ctx context.Context, rec *models.MigrationRecord) error
}

// Normalizer turns a source item into destination text.
type Normalizer interface {
	Normalize(ctx context.Context, item *models.SourceItem) string
}

// MediaPreparer uploads an item's media to the destination.
type MediaPreparer interface {
	Prepare(ctx context.Context, dest media.Destination, item *models.SourceItem) *media.Result
}

// Options holds the posting and pacing parameters.
type Options struct {
	MaxChunkLength int
	Langs          []string
	ChunkDelay     time.Duration
	ItemDelayMin   time.Duration
	ItemDelayMax   time.Duration
}

// Syncer is the migration sequencer: it takes one item at a time through
// normalize, resolve, media, chunk, post and record.
type Syncer struct {
	history    History
	normalizer Normalizer
	resolver   *thread.Resolver
	media      MediaPreparer
	opts       Options

	sleep media.SleepFunc
	rng   *rand.Rand
	now   func() time.Time
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(history History, normalizer Normalizer, mediaPrep MediaPreparer, opts Options) *Syncer {
	if opts.MaxChunkLength <= 0 {
		opts.MaxChunkLength = 300
	}
	if opts.ItemDelayMax < opts.ItemDelayMin {
		opts.ItemDelayMax = opts.ItemDelayMin
	}
	return &Syncer{
		history:    history,
		normalizer: normalizer,
		resolver:   thread.NewResolver(history),
		media:      mediaPrep,
		opts:       opts,
		sleep:      media.Sleep,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

// SetSleep replaces the pacing sleeper.
func (s *Syncer) SetSleep(fn media.SleepFunc) { s.sleep = fn }

// SetRand replaces the source of the random item delay.
func (s *Syncer) SetRand(r *rand.Rand) { s.rng = r }

// ProcessItem migrates a single item for account.
func (s *Syncer) ProcessItem(ctx context.Context, dest Destination, account string, item *models.SourceItem) Result {
	res := Result{ItemID: item.ID}

	existing, err := s.history.Get(ctx, item.ID, account)
	if err != nil {
		return s.fatal(res, fmt.Errorf("history lookup: %w", err))
	}
	if existing != nil {
		logging.Debug("Item %s already recorded for %s as %s. Skipping.", item.ID, account, existing.Status)
		res.Kind = Duplicate
		return res
	}

	defer metrics.ObserveItemDuration(s.now())

	text := s.normalizer.Normalize(ctx, item)

	link, err := s.resolver.Resolve(ctx, item, account, text)
	if err != nil {
		return s.fatal(res, err)
	}
	if link.Skip {
		return s.skip(ctx, res, account, link.SkipReason)
	}
	text = link.ApplyText(text)

	prepared := s.media.Prepare(ctx, dest, item)
	for _, fb := range prepared.Fallbacks {
		if !strings.Contains(text, fb) {
			text = strings.TrimSpace(text + "\n\n" + fb)
		}
	}

	if text == "" && prepared.Empty() && link.Quote == nil {
		return s.skip(ctx, res, account, "nothing to post")
	}

	chunks := transform.Chunk(text, s.opts.MaxChunkLength)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	embed := buildEmbed(prepared, link.Quote)

	logging.Info("Posting item %s for %s as %d chunk(s)", item.ID, account, len(chunks))

	var parent, root models.PostRef
	if link.IsThreaded() {
		parent, root = link.Parent, link.Root
	}
	for i, chunk := range chunks {
		if i > 0 {
			if err := s.sleep(ctx, s.opts.ChunkDelay); err != nil {
				logging.Warn("Item %s: stopping after %d chunk(s): %v", item.ID, i, err)
				break
			}
		}

		draft := &models.PostDraft{
			Text:      chunk,
			Langs:     s.opts.Langs,
			CreatedAt: item.CreatedAt,
			Reply:     replyRef(parent, root),
		}
		if i == 0 {
			draft.Embed = embed
		}

		ref, err := dest.CreatePost(ctx, draft)
		if err != nil {
			if i == 0 {
				res.Err = err
				if api.IsAuthError(err) {
					return s.fatal(res, fmt.Errorf("post item %s: %w", item.ID, err))
				}
				logging.Error("Failed to post item %s for %s: %v. It will be retried next run.", item.ID, account, err)
				res.Kind = Failed
				metrics.IncItem(res.Kind.String())
				return res
			}
			logging.Error("Item %s: chunk %d/%d failed, the thread stays incomplete: %v", item.ID, i+1, len(chunks), err)
			break
		}
		metrics.ChunksPosted.Inc()
		res.Chunks++

		if i == 0 {
			if root.IsZero() {
				root = ref
			}
			res.Post, res.Root = ref, root
			rec := &models.MigrationRecord{
				ItemID:    item.ID,
				Account:   account,
				Status:    models.StatusMigrated,
				Post:      ref,
				Root:      root,
				CreatedAt: s.now().UTC(),
			}
			if err := s.history.Put(ctx, rec); err != nil {
				logging.Error("CRITICAL: item %s was posted as %s but could not be recorded: %v", item.ID, ref.URI, err)
			}
		}
		parent = ref
	}

	res.Kind = Migrated
	metrics.IncItem(res.Kind.String())
	return res
}

func (s *Syncer) skip(ctx context.Context, res Result, account, reason string) Result {
	rec := &models.MigrationRecord{
		ItemID:    res.ItemID,
		Account:   account,
		Status:    models.StatusSkipped,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
	if err := s.history.Put(ctx, rec); err != nil {
		return s.fatal(res, fmt.Errorf("record skip of %s: %w", res.ItemID, err))
	}
	res.Kind = Skipped
	res.Reason = reason
	metrics.IncItem(res.Kind.String())
	return res
}

func (s *Syncer) fatal(res Result, err error) Result {
	res.Kind = Fatal
	res.Err = err
	metrics.IncItem(res.Kind.String())
	return res
}

// BatchSummary counts the outcomes of one batch.
type BatchSummary struct {
	Counts map[ResultKind]int
	// Err is set when the batch stopped on a fatal result.
	Err error
}

// Posted returns how many items reached the destination.
func (b BatchSummary) Posted() int {
	return b.Counts[Migrated]
}

// ProcessBatch migrates items oldest-first, pacing between items that were
// posted, and stops at the first fatal result.
func (s *Syncer) ProcessBatch(ctx context.Context, dest Destination, account string, items []*models.SourceItem) BatchSummary {
	summary := BatchSummary{Counts: make(map[ResultKind]int)}
	ordered := SortOldestFirst(items)

	paced := false
	for _, item := range ordered {
		if err := ctx.Err(); err != nil {
			summary.Err = err
			return summary
		}
		if paced {
			if err := s.sleep(ctx, s.itemDelay()); err != nil {
				summary.Err = err
				return summary
			}
		}

		res := s.ProcessItem(ctx, dest, account, item)
		summary.Counts[res.Kind]++
		if IsFatal(res) {
			logging.Error("Stopping batch for %s at item %s: %v", account, item.ID, res.Err)
			summary.Err = res.Err
			return summary
		}
		paced = res.Kind == Migrated || res.Kind == Failed
	}

	logging.Info("Batch for %s done: %d migrated, %d skipped, %d already present, %d failed",
		account, summary.Counts[Migrated], summary.Counts[Skipped], summary.Counts[Duplicate], summary.Counts[Failed])
	return summary
}

func (s *Syncer) itemDelay() time.Duration {
	span := s.opts.ItemDelayMax - s.opts.ItemDelayMin
	if span <= 0 {
		return s.opts.ItemDelayMin
	}
	return s.opts.ItemDelayMin + time.Duration(s.rng.Int63n(int64(span)+1))
}

// SortOldestFirst returns items in chronological order. Items without a
// timestamp are ordered by id.
func SortOldestFirst(items []*models.SourceItem) []*models.SourceItem {
	out := make([]*models.SourceItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return lessID(a.ID, b.ID)
	})
	return out
}

// lessID compares numeric ids by magnitude, falling back to string order.
func lessID(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func strongRef(r models.PostRef) *comatproto.RepoStrongRef {
	return &comatproto.RepoStrongRef{Uri: r.URI, Cid: r.CID}
}

func replyRef(parent, root models.PostRef) *appbsky.FeedPost_ReplyRef {
	if parent.IsZero() {
		return nil
	}
	if root.IsZero() {
		root = parent
	}
	return &appbsky.FeedPost_ReplyRef{Root: strongRef(root), Parent: strongRef(parent)}
}

// buildEmbed assembles the first chunk's embed from the prepared media and
// an optional quote target.
func buildEmbed(prepared *media.Result, quote *models.PostRef) *appbsky.FeedPost_Embed {
	var images *appbsky.EmbedImages
	var video *appbsky.EmbedVideo

	if prepared != nil && prepared.Video != nil {
		v := prepared.Video
		video = &appbsky.EmbedVideo{
			LexiconTypeID: "app.bsky.embed.video",
			Video:         v.Blob,
			AspectRatio:   v.AspectRatio(),
		}
		if v.Description != "" {
			alt := v.Description
			video.Alt = &alt
		}
	} else if prepared != nil && len(prepared.Images) > 0 {
		images = &appbsky.EmbedImages{LexiconTypeID: "app.bsky.embed.images"}
		for _, img := range prepared.Images {
			images.Images = append(images.Images, &appbsky.EmbedImages_Image{
				Alt:         img.Description,
				Image:       img.Blob,
				AspectRatio: img.AspectRatio(),
			})
		}
	}

	if quote != nil {
		record := &appbsky.EmbedRecord{LexiconTypeID: "app.bsky.embed.record", Record: strongRef(*quote)}
		if images == nil && video == nil {
			return &appbsky.FeedPost_Embed{EmbedRecord: record}
		}
		return &appbsky.FeedPost_Embed{EmbedRecordWithMedia: &appbsky.EmbedRecordWithMedia{
			LexiconTypeID: "app.bsky.embed.recordWithMedia",
			Record:        record,
			Media:         &appbsky.EmbedRecordWithMedia_Media{EmbedImages: images, EmbedVideo: video},
		}}
	}

	switch {
	case video != nil:
		return &appbsky.FeedPost_Embed{EmbedVideo: video}
	case images != nil:
		return &appbsky.FeedPost_Embed{EmbedImages: images}
	}
	return nil
}

// IsFatal reports whether r stops the account's tick.
func IsFatal(r Result) bool { return r.Kind == Fatal }
