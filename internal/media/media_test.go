package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"sync"
	"testing"
	"time"

	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdbridge/internal/models"
)

type fetchResult struct {
	data        []byte
	contentType string
	err         error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetchResult
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ int64) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	r, ok := f.results[url]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return r.data, r.contentType, r.err
}

type statusOrErr struct {
	status *models.VideoJobStatus
	err    error
}

type fakeDest struct {
	mu           sync.Mutex
	blobUploads  []string
	failBlobs    map[string]bool
	videoUploads int
	uploadResp   *models.VideoJobStatus
	uploadErr    error
	statuses     []statusOrErr
	polls        int
}

func (d *fakeDest) UploadBlob(_ context.Context, data []byte, contentType string) (*lexutil.LexBlob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failBlobs[string(data)] {
		return nil, errors.New("upload rejected")
	}
	d.blobUploads = append(d.blobUploads, string(data))
	return &lexutil.LexBlob{MimeType: contentType, Size: int64(len(data))}, nil
}

func (d *fakeDest) UploadVideo(_ context.Context, data []byte, _ string) (*models.VideoJobStatus, error) {
	d.videoUploads++
	return d.uploadResp, d.uploadErr
}

func (d *fakeDest) JobStatus(_ context.Context, _ string) (*models.VideoJobStatus, error) {
	i := d.polls
	d.polls++
	if i >= len(d.statuses) {
		return &models.VideoJobStatus{JobID: "job", State: "JOB_STATE_ENCODING"}, nil
	}
	return d.statuses[i].status, d.statuses[i].err
}

type recordingSleep struct {
	calls []time.Duration
}

func (s *recordingSleep) Sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func testPoller(attempts int) (*Poller, *recordingSleep) {
	rs := &recordingSleep{}
	return &Poller{Interval: DefaultPollInterval, MaxAttempts: attempts, Sleep: rs.Sleep}, rs
}

func videoItem(variants ...models.VideoVariant) *models.SourceItem {
	return &models.SourceItem{
		ID:     "42",
		Author: "alice",
		Media: []models.MediaEntity{{
			Type:     models.MediaVideo,
			Sizes:    []models.MediaSize{{Name: "small", Width: 320, Height: 180}, {Name: "large", Width: 1280, Height: 720}},
			Variants: variants,
		}},
	}
}

func TestSelectVariantPicksHighestBitrateMP4(t *testing.T) {
	variants := []models.VideoVariant{
		{URL: "https://v/500k.mp4", ContentType: "video/mp4", Bitrate: 500000},
		{URL: "https://v/2m.mp4", ContentType: "video/mp4", Bitrate: 2000000},
		{URL: "https://v/1m.mp4", ContentType: "video/mp4", Bitrate: 1000000},
		{URL: "https://v/pl.m3u8", ContentType: "application/x-mpegURL", Bitrate: 9000000},
	}
	best, ok := SelectVariant(variants)
	require.True(t, ok)
	assert.Equal(t, int64(2000000), best.Bitrate)
	assert.Equal(t, "https://v/2m.mp4", best.URL)
}

func TestSelectVariantTiesKeepInputOrder(t *testing.T) {
	best, ok := SelectVariant([]models.VideoVariant{
		{URL: "first", ContentType: "video/mp4", Bitrate: 100},
		{URL: "second", ContentType: "video/mp4", Bitrate: 100},
	})
	require.True(t, ok)
	assert.Equal(t, "first", best.URL)

	_, ok = SelectVariant([]models.VideoVariant{{URL: "x", ContentType: "application/x-mpegURL"}})
	assert.False(t, ok)
}

func TestOversizedVideoNeverReachesUpload(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]fetchResult{
		"https://v/big.mp4": {data: bytes.Repeat([]byte{1}, 64), contentType: "video/mp4"},
	}}
	dest := &fakeDest{}
	poller, _ := testPoller(3)
	p := NewPipeline(fetcher, poller)
	p.SetLimits(32, MaxImageBytes)

	item := videoItem(models.VideoVariant{URL: "https://v/big.mp4", ContentType: "video/mp4", Bitrate: 1})
	res := p.Prepare(context.Background(), dest, item)

	assert.Zero(t, dest.videoUploads)
	assert.Nil(t, res.Video)
	assert.Equal(t, []string{"https://x.com/alice/status/42"}, res.Fallbacks)
}

func TestFetcherSizeErrorFallsBack(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]fetchResult{
		"https://v/big.mp4": {err: ErrTooLarge},
	}}
	dest := &fakeDest{}
	p := NewPipeline(fetcher, nil)

	res := p.Prepare(context.Background(), dest, videoItem(models.VideoVariant{URL: "https://v/big.mp4", ContentType: "video/mp4"}))
	assert.Zero(t, dest.videoUploads)
	assert.Len(t, res.Fallbacks, 1)
}

func TestVideoInlineBlob(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]fetchResult{
		"https://v/a.mp4": {data: []byte("mp4"), contentType: "video/mp4"},
	}}
	blob := &lexutil.LexBlob{MimeType: "video/mp4", Size: 3}
	dest := &fakeDest{uploadResp: &models.VideoJobStatus{Blob: blob}}
	poller, sleeps := testPoller(3)
	p := NewPipeline(fetcher, poller)

	res := p.Prepare(context.Background(), dest, videoItem(models.VideoVariant{URL: "https://v/a.mp4", ContentType: "video/mp4"}))
	require.NotNil(t, res.Video)
	assert.Same(t, blob, res.Video.Blob)
	assert.Equal(t, 1280, res.Video.Width)
	assert.Equal(t, 720, res.Video.Height)
	assert.Empty(t, sleeps.calls)
	assert.Empty(t, res.Fallbacks)
}

func TestVideoJobPolledUntilComplete(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]fetchResult{
		"https://v/a.mp4": {data: []byte("mp4"), contentType: "video/mp4"},
	}}
	blob := &lexutil.LexBlob{MimeType: "video/mp4", Size: 3}
	dest := &fakeDest{
		uploadResp: &models.VideoJobStatus{JobID: "job-1", State: "JOB_STATE_CREATED"},
		statuses: []statusOrErr{
			{status: &models.VideoJobStatus{JobID: "job-1", State: "JOB_STATE_ENCODING", Progress: 40}},
			{err: errors.New("connection reset")},
			{status: &models.VideoJobStatus{JobID: "job-1", State: models.JobStateCompleted, Blob: blob}},
		},
	}
	poller, sleeps := testPoller(60)
	p := NewPipeline(fetcher, poller)

	res := p.Prepare(context.Background(), dest, videoItem(models.VideoVariant{URL: "https://v/a.mp4", ContentType: "video/mp4"}))
	require.NotNil(t, res.Video)
	assert.Same(t, blob, res.Video.Blob)
	assert.Equal(t, 3, dest.polls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeps.calls)
}

func TestVideoJobFailureFallsBack(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]fetchResult{
		"https://v/a.mp4": {data: []byte("mp4"), contentType: "video/mp4"},
	}}
	dest := &fakeDest{
		uploadResp: &models.VideoJobStatus{JobID: "job-1"},
		statuses: []statusOrErr{
			{status: &models.VideoJobStatus{JobID: "job-1", State: models.JobStateFailed, Error: "bad codec"}},
		},
	}
	poller, _ := testPoller(60)
	p := NewPipeline(fetcher, poller)

	res := p.Prepare(context.Background(), dest, videoItem(models.VideoVariant{URL: "https://v/a.mp4", ContentType: "video/mp4"}))
	assert.Nil(t, res.Video)
	assert.Equal(t, 1, dest.polls)
	assert.Equal(t, []string{"https://x.com/alice/status/42"}, res.Fallbacks)
}

func TestPollerTimesOut(t *testing.T) {
	dest := &fakeDest{}
	poller, sleeps := testPoller(4)

	_, err := poller.Wait(context.Background(), dest, "job-9")
	assert.ErrorIs(t, err, ErrVideoTimeout)
	assert.Equal(t, 4, dest.polls)
	assert.Len(t, sleeps.calls, 4)

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, models.VideoTimedOut, jobErr.Phase)
	assert.Equal(t, "job-9", jobErr.JobID)
	assert.Equal(t, "timed-out", outcomeOf(err))
}

func TestPollerReportsFailedPhase(t *testing.T) {
	dest := &fakeDest{statuses: []statusOrErr{
		{status: &models.VideoJobStatus{JobID: "job-3", State: models.JobStateFailed, Error: "bad codec"}},
	}}
	poller, _ := testPoller(10)

	_, err := poller.Wait(context.Background(), dest, "job-3")
	assert.ErrorIs(t, err, ErrVideoFailed)
	assert.NotErrorIs(t, err, ErrVideoTimeout)
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, models.VideoFailed, jobErr.Phase)
	assert.Contains(t, err.Error(), "bad codec")
}

func TestPollerTransportErrorsCountTowardsCeiling(t *testing.T) {
	dest := &fakeDest{statuses: []statusOrErr{
		{err: errors.New("eof")}, {err: errors.New("eof")}, {err: errors.New("eof")},
	}}
	poller, _ := testPoller(3)

	_, err := poller.Wait(context.Background(), dest, "job-9")
	assert.ErrorIs(t, err, ErrVideoTimeout)
	assert.Contains(t, err.Error(), "eof")
}

func TestPollerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &Poller{Interval: time.Hour, MaxAttempts: 3, Sleep: Sleep}

	_, err := p.Wait(ctx, &fakeDest{}, "job")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnlyFirstVideoIsUsed(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]fetchResult{
		"https://v/a.mp4": {data: []byte("a"), contentType: "video/mp4"},
		"https://v/b.mp4": {data: []byte("b"), contentType: "video/mp4"},
	}}
	dest := &fakeDest{uploadResp: &models.VideoJobStatus{Blob: &lexutil.LexBlob{}}}
	p := NewPipeline(fetcher, nil)

	item := &models.SourceItem{ID: "1", Author: "a", Media: []models.MediaEntity{
		{Type: models.MediaVideo, Variants: []models.VideoVariant{{URL: "https://v/a.mp4", ContentType: "video/mp4"}}},
		{Type: models.MediaAnimatedGIF, Variants: []models.VideoVariant{{URL: "https://v/b.mp4", ContentType: "video/mp4"}}},
	}}
	res := p.Prepare(context.Background(), dest, item)
	require.NotNil(t, res.Video)
	assert.Equal(t, 1, dest.videoUploads)
	assert.Equal(t, []string{"https://v/a.mp4"}, fetcher.calls)
}

func TestPhotosDroppedIndividually(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]fetchResult{
		"https://p/1.jpg": {data: []byte("one"), contentType: "image/jpeg"},
		"https://p/2.jpg": {err: errors.New("404")},
		"https://p/3.jpg": {data: []byte("three"), contentType: "image/jpeg"},
		"https://p/4.jpg": {data: []byte("four"), contentType: "image/jpeg"},
	}}
	dest := &fakeDest{failBlobs: map[string]bool{"four": true}}
	p := NewPipeline(fetcher, nil)

	item := &models.SourceItem{ID: "7", Media: []models.MediaEntity{
		{Type: models.MediaPhoto, MediaURL: "https://p/1.jpg", AltText: "a cat", Width: 100, Height: 50},
		{Type: models.MediaPhoto, MediaURL: "https://p/2.jpg"},
		{Type: models.MediaPhoto, MediaURL: "https://p/3.jpg", Sizes: []models.MediaSize{{Name: "large", Width: 2048, Height: 1024}, {Name: "thumb", Width: 150, Height: 150}}},
		{Type: models.MediaPhoto, MediaURL: "https://p/4.jpg"},
	}}
	res := p.Prepare(context.Background(), dest, item)

	require.Len(t, res.Images, 2)
	assert.Equal(t, "https://p/1.jpg", res.Images[0].URL)
	assert.Equal(t, "a cat", res.Images[0].Description)
	assert.Equal(t, 100, res.Images[0].Width)
	assert.Equal(t, "https://p/3.jpg", res.Images[1].URL)
	assert.Equal(t, defaultAltText, res.Images[1].Description)
	assert.Equal(t, 2048, res.Images[1].Width)
	assert.Empty(t, res.Fallbacks)
}

func TestFitImageDownscalesLargeImages(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, 300, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	const limit = 50_000
	require.Greater(t, buf.Len(), limit)

	out, contentType, w, h, err := fitImage(buf.Bytes(), "image/png", limit)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), limit)
	assert.Equal(t, "image/jpeg", contentType)
	assert.Less(t, w, 300)
	assert.Equal(t, w, h)

	small, contentType, _, _, err := fitImage([]byte("tiny"), "image/png", limit)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), small)
	assert.Equal(t, "image/png", contentType)
}
