package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lexutil "github.com/bluesky-social/indigo/lex/util"

	"birdbridge/internal/logging"
	"birdbridge/internal/metrics"
	"birdbridge/internal/models"
)

const (
	// MaxVideoBytes is the hard ceiling above which a video is never uploaded.
	MaxVideoBytes = 100 * 1024 * 1024

	DefaultPollInterval = 5 * time.Second
	DefaultPollAttempts = 60
)

var (
	// ErrVideoFailed is returned when the ingest service reports a failed job.
	ErrVideoFailed = errors.New("video processing failed")
	// ErrVideoTimeout is returned when polling hits the attempt ceiling.
	ErrVideoTimeout = errors.New("video processing timed out")
)

// JobError reports how a video job ended without a blob. Phase is
// VideoFailed or VideoTimedOut.
type JobError struct {
	JobID     string
	Phase     models.VideoJobState
	LastState models.VideoJobState
	Detail    string
}

func (e *JobError) Error() string {
	if e.Phase == models.VideoTimedOut {
		return fmt.Sprintf("%v: job %s (last state %s) %s", ErrVideoTimeout, e.JobID, e.LastState, e.Detail)
	}
	return fmt.Sprintf("%v: job %s: %s", ErrVideoFailed, e.JobID, e.Detail)
}

func (e *JobError) Unwrap() error {
	if e.Phase == models.VideoTimedOut {
		return ErrVideoTimeout
	}
	return ErrVideoFailed
}

// VideoService is the destination's asynchronous video ingest endpoint.
type VideoService interface {
	// UploadVideo submits the binary. The response either carries a ready
	// blob or a job id to poll.
	UploadVideo(ctx context.Context, data []byte, name string) (*models.VideoJobStatus, error)
	JobStatus(ctx context.Context, jobID string) (*models.VideoJobStatus, error)
}

// SelectVariant returns the MP4 variant with the highest declared bitrate.
// Ties keep the earlier variant. ok is false when there is no MP4 variant.
func SelectVariant(variants []models.VideoVariant) (best models.VideoVariant, ok bool) {
	for _, v := range variants {
		if !strings.EqualFold(v.ContentType, "video/mp4") || v.URL == "" {
			continue
		}
		if !ok || v.Bitrate > best.Bitrate {
			best, ok = v, true
		}
	}
	return best, ok
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poller waits for a video job to reach a terminal state. It is a bounded
// state machine: each attempt sleeps Interval, then fetches the job status.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       SleepFunc
}

// NewPoller returns a Poller with the default 5s interval and 60 attempts.
func NewPoller() *Poller {
	return &Poller{Interval: DefaultPollInterval, MaxAttempts: DefaultPollAttempts, Sleep: Sleep}
}

// Wait polls jobID until a blob is ready, the job fails, or the attempt
// ceiling is reached. Status transport errors count as attempts but are
// otherwise retried.
func (p *Poller) Wait(ctx context.Context, svc VideoService, jobID string) (*lexutil.LexBlob, error) {
	state := models.VideoSubmitted
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := p.Sleep(ctx, p.Interval); err != nil {
			return nil, err
		}
		metrics.VideoPolls.Inc()

		status, err := svc.JobStatus(ctx, jobID)
		if err != nil {
			lastErr = err
			logging.Warn("Video job %s status poll %d/%d failed: %v", jobID, attempt, p.MaxAttempts, err)
			continue
		}

		state = status.Phase()
		switch state {
		case models.VideoComplete:
			logging.Info("Video job %s completed after %d polls", jobID, attempt)
			return status.Blob, nil
		case models.VideoFailed:
			msg := status.Error
			if status.Message != "" {
				msg = strings.TrimSpace(msg + " " + status.Message)
			}
			return nil, &JobError{JobID: jobID, Phase: models.VideoFailed, LastState: state, Detail: msg}
		default:
			logging.Debug("Video job %s state %s progress %d%%", jobID, status.State, status.Progress)
		}
	}

	detail := fmt.Sprintf("after %d attempts", p.MaxAttempts)
	if lastErr != nil {
		detail += fmt.Sprintf(", last error: %v", lastErr)
	}
	return nil, &JobError{JobID: jobID, Phase: models.VideoTimedOut, LastState: state, Detail: detail}
}
