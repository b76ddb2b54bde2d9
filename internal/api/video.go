package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

// DefaultVideoURL is the video ingest service used when a mapping does not name one.
const DefaultVideoURL = "https://video.bsky.app"

const (
	uploadBlobLxm   = "com.atproto.repo.uploadBlob"
	serviceTokenTTL = 30 * time.Minute
)

// TokenSource issues service credentials for the video ingest service.
type TokenSource interface {
	ServiceAuthToken(ctx context.Context, aud, lxm string, ttl time.Duration) (string, error)
	DID() string
	PDSHost() string
	AccessToken() string
}

// VideoClient talks to the asynchronous video ingest service.
type VideoClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewVideoClient creates a client for the ingest service at baseURL.
func NewVideoClient(baseURL string, tokens TokenSource) *VideoClient {
	if baseURL == "" {
		baseURL = DefaultVideoURL
	}
	return &VideoClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		tokens:     tokens,
	}
}

type blobJSON struct {
	Ref struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type jobStatusJSON struct {
	JobID    string    `json:"jobId"`
	DID      string    `json:"did"`
	State    string    `json:"state"`
	Progress int64     `json:"progress"`
	Blob     *blobJSON `json:"blob"`
	Error    string    `json:"error"`
	Message  string    `json:"message"`
}

type jobStatusEnvelope struct {
	JobStatus *jobStatusJSON `json:"jobStatus"`
	jobStatusJSON
}

// UploadVideo submits data under name. The service answers either with a
// ready blob or with a job to poll.
func (vc *VideoClient) UploadVideo(ctx context.Context, data []byte, name string) (*models.VideoJobStatus, error) {
	did := vc.tokens.DID()
	if did == "" {
		return nil, ErrNotAuthenticated
	}
	token, err := vc.tokens.ServiceAuthToken(ctx, "did:web:"+vc.tokens.PDSHost(), uploadBlobLxm, serviceTokenTTL)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("did", did)
	q.Set("name", name)
	endpoint := vc.baseURL + "/xrpc/app.bsky.video.uploadVideo?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create video upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "video/mp4")
	req.ContentLength = int64(len(data))

	logging.Info("Submitting video %s (%d bytes) to %s", name, len(data), vc.baseURL)
	status, err := vc.do(req)
	if err != nil {
		return nil, fmt.Errorf("upload video: %w", err)
	}
	return status, nil
}

// JobStatus fetches the current state of an ingest job.
func (vc *VideoClient) JobStatus(ctx context.Context, jobID string) (*models.VideoJobStatus, error) {
	endpoint := vc.baseURL + "/xrpc/app.bsky.video.getJobStatus?jobId=" + url.QueryEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create job status request: %w", err)
	}
	if tok := vc.tokens.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	status, err := vc.do(req)
	if err != nil {
		return nil, fmt.Errorf("job status %s: %w", jobID, err)
	}
	if status.JobID == "" {
		status.JobID = jobID
	}
	return status, nil
}

func (vc *VideoClient) do(req *http.Request) (*models.VideoJobStatus, error) {
	resp, err := vc.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env jobStatusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("status %d: decode response: %w", resp.StatusCode, err)
	}
	raw := &env.jobStatusJSON
	if env.JobStatus != nil {
		raw = env.JobStatus
	}

	// A resubmitted video is rejected as a conflict but still names the job.
	if resp.StatusCode >= 300 && raw.JobID == "" {
		msg := raw.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("status %d: %s %s", resp.StatusCode, raw.Error, msg)
	}
	if resp.StatusCode >= 300 {
		logging.Info("Video service answered %d (%s), continuing with job %s", resp.StatusCode, raw.Error, raw.JobID)
		raw.Error, raw.Message = "", ""
	}
	return convertJobStatus(raw)
}

func convertJobStatus(raw *jobStatusJSON) (*models.VideoJobStatus, error) {
	status := &models.VideoJobStatus{
		JobID:    raw.JobID,
		State:    raw.State,
		Progress: raw.Progress,
		Error:    raw.Error,
		Message:  raw.Message,
	}
	if raw.Blob != nil && raw.Blob.Ref.Link != "" {
		c, err := cid.Decode(raw.Blob.Ref.Link)
		if err != nil {
			return nil, fmt.Errorf("invalid blob cid %q: %w", raw.Blob.Ref.Link, err)
		}
		mime := raw.Blob.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		status.Blob = &lexutil.LexBlob{Ref: lexutil.LexLink(c), MimeType: mime, Size: raw.Blob.Size}
	}
	if status.Blob == nil && status.JobID == "" && status.Error == "" {
		return nil, errors.New("response has neither job id nor blob")
	}
	return status, nil
}

// Session is an authenticated destination handle: record and blob calls
// through the PDS plus video ingest.
type Session struct {
	*BlueskyClient
	*VideoClient
}

// Login authenticates against dest and returns a ready Session.
func Login(ctx context.Context, dest models.DestinationConfig) (*Session, error) {
	bsc := NewBlueskyClient(dest.ServiceURL)
	if err := bsc.Authenticate(ctx, dest.Identifier, dest.Password); err != nil {
		return nil, err
	}
	return &Session{BlueskyClient: bsc, VideoClient: NewVideoClient(dest.VideoURL, bsc)}, nil
}
