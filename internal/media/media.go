package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lexutil "github.com/bluesky-social/indigo/lex/util"
	"golang.org/x/sync/errgroup"

	"birdbridge/internal/logging"
	"birdbridge/internal/metrics"
	"birdbridge/internal/models"
)

const (
	// MaxImagesPerPost is the destination's image embed limit.
	MaxImagesPerPost = 4

	defaultAltText   = "Image"
	photoWorkers     = 4
	maxPhotoDownload = 32 << 20
)

// Uploader stores a binary on the destination and returns its blob reference.
type Uploader interface {
	UploadBlob(ctx context.Context, data []byte, contentType string) (*lexutil.LexBlob, error)
}

// Destination is what the pipeline needs from a destination session.
type Destination interface {
	Uploader
	VideoService
}

// Result is the media prepared for one item.
type Result struct {
	Images []*models.MediaAttachment
	Video  *models.MediaAttachment
	// Fallbacks are plain-text links to append to the item text, for media
	// that could not be attached.
	Fallbacks []string
}

// Empty reports whether nothing was attached.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Images) == 0 && r.Video == nil)
}

func (r *Result) addFallback(link string) {
	for _, l := range r.Fallbacks {
		if l == link {
			return
		}
	}
	r.Fallbacks = append(r.Fallbacks, link)
}

// Pipeline downloads, sizes and uploads an item's media.
type Pipeline struct {
	fetcher       Fetcher
	poller        *Poller
	maxVideoBytes int64
	maxImageBytes int
}

// NewPipeline creates a Pipeline with destination default limits.
func NewPipeline(fetcher Fetcher, poller *Poller) *Pipeline {
	if poller == nil {
		poller = NewPoller()
	}
	return &Pipeline{
		fetcher:       fetcher,
		poller:        poller,
		maxVideoBytes: MaxVideoBytes,
		maxImageBytes: MaxImageBytes,
	}
}

// SetLimits overrides the video and image size ceilings.
func (p *Pipeline) SetLimits(maxVideoBytes int64, maxImageBytes int) {
	p.maxVideoBytes = maxVideoBytes
	p.maxImageBytes = maxImageBytes
}

// Prepare processes every media entity of item. Failures never abort the
// item: a failed photo is dropped, a failed video becomes a fallback link.
func (p *Pipeline) Prepare(ctx context.Context, dest Destination, item *models.SourceItem) *Result {
	res := &Result{}
	var photos []models.MediaEntity

	for _, m := range item.Media {
		switch m.Type {
		case models.MediaPhoto:
			photos = append(photos, m)
		case models.MediaVideo, models.MediaAnimatedGIF:
			if res.Video != nil {
				logging.Info("Item %s: ignoring additional %s, one video per post", item.ID, m.Type)
				continue
			}
			att, err := p.prepareVideo(ctx, dest, item, m)
			if err != nil {
				logging.Warn("Item %s: video not attached (%v), linking to the original instead", item.ID, err)
				metrics.IncMedia(string(m.Type), outcomeOf(err))
				res.addFallback(item.URL())
				continue
			}
			metrics.IncMedia(string(m.Type), "uploaded")
			res.Video = att
		default:
			logging.Warn("Item %s: unsupported media type %q", item.ID, m.Type)
		}
	}

	if len(photos) == 0 {
		return res
	}
	if res.Video != nil {
		// A post embeds either images or a video, not both.
		logging.Info("Item %s: dropping %d photos in favour of the attached video", item.ID, len(photos))
		res.addFallback(item.URL())
		return res
	}
	if len(photos) > MaxImagesPerPost {
		logging.Warn("Item %s has %d photos, only the first %d are attached", item.ID, len(photos), MaxImagesPerPost)
		photos = photos[:MaxImagesPerPost]
	}
	res.Images = p.preparePhotos(ctx, dest, item, photos)
	return res
}

// preparePhotos uploads photos concurrently; the output keeps input order
// and omits photos that failed.
func (p *Pipeline) preparePhotos(ctx context.Context, dest Uploader, item *models.SourceItem, photos []models.MediaEntity) []*models.MediaAttachment {
	slots := make([]*models.MediaAttachment, len(photos))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(photoWorkers)
	for i, photo := range photos {
		g.Go(func() error {
			att, err := p.preparePhoto(ctx, dest, photo)
			if err != nil {
				logging.Error("Item %s: dropping photo %s: %v", item.ID, photo.MediaURL, err)
				metrics.IncMedia(string(models.MediaPhoto), outcomeOf(err))
				return nil
			}
			metrics.IncMedia(string(models.MediaPhoto), "uploaded")
			mu.Lock()
			slots[i] = att
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var out []*models.MediaAttachment
	for _, att := range slots {
		if att != nil {
			out = append(out, att)
		}
	}
	return out
}

func (p *Pipeline) preparePhoto(ctx context.Context, dest Uploader, photo models.MediaEntity) (*models.MediaAttachment, error) {
	if photo.MediaURL == "" {
		return nil, errors.New("photo has no download URL")
	}
	data, contentType, err := p.fetcher.Fetch(ctx, photo.MediaURL, maxPhotoDownload)
	if err != nil {
		return nil, err
	}
	data, contentType, w, h, err := fitImage(data, contentType, p.maxImageBytes)
	if err != nil {
		return nil, err
	}

	att := &models.MediaAttachment{
		URL:         photo.MediaURL,
		Data:        data,
		ContentType: contentType,
		Description: photo.AltText,
	}
	if att.Description == "" {
		att.Description = defaultAltText
	}
	att.Width, att.Height = AspectDimensions(photo)
	if att.Width == 0 || att.Height == 0 {
		att.Width, att.Height = w, h
	}

	blob, err := dest.UploadBlob(ctx, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload photo: %w", err)
	}
	att.Blob = blob
	return att, nil
}

func (p *Pipeline) prepareVideo(ctx context.Context, dest Destination, item *models.SourceItem, m models.MediaEntity) (*models.MediaAttachment, error) {
	variant, ok := SelectVariant(m.Variants)
	if !ok {
		return nil, errors.New("no mp4 variant")
	}

	data, contentType, err := p.fetcher.Fetch(ctx, variant.URL, p.maxVideoBytes)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > p.maxVideoBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if contentType == "" || !strings.HasPrefix(contentType, "video/") {
		contentType = "video/mp4"
	}

	blob, err := p.uploadVideo(ctx, dest, data, item.ID+".mp4")
	if err != nil {
		return nil, err
	}

	att := &models.MediaAttachment{
		URL:         variant.URL,
		ContentType: contentType,
		Description: m.AltText,
		Blob:        blob,
	}
	att.Width, att.Height = AspectDimensions(m)
	return att, nil
}

// uploadVideo runs the submit/poll protocol.
func (p *Pipeline) uploadVideo(ctx context.Context, svc VideoService, data []byte, name string) (*lexutil.LexBlob, error) {
	status, err := svc.UploadVideo(ctx, data, name)
	if err != nil {
		return nil, fmt.Errorf("submit video: %w", err)
	}
	switch status.Phase() {
	case models.VideoComplete:
		return status.Blob, nil
	case models.VideoFailed:
		return nil, fmt.Errorf("%w: %s", ErrVideoFailed, status.Error)
	case models.VideoSubmitted:
		return nil, errors.New("submit video: response has neither blob nor job id")
	}
	logging.Info("Video %s submitted as job %s, polling", name, status.JobID)
	return p.poller.Wait(ctx, svc, status.JobID)
}

// AspectDimensions derives width/height for the aspect ratio: the largest
// declared size bucket wins, else the natural dimensions.
func AspectDimensions(m models.MediaEntity) (int, int) {
	var bw, bh int
	for _, s := range m.Sizes {
		if s.Width*s.Height > bw*bh {
			bw, bh = s.Width, s.Height
		}
	}
	if bw > 0 && bh > 0 {
		return bw, bh
	}
	return m.Width, m.Height
}

func outcomeOf(err error) string {
	var jobErr *JobError
	switch {
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.As(err, &jobErr):
		return string(jobErr.Phase)
	default:
		return "error"
	}
}
