package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

// DefaultTwitterURL is the search API host.
const DefaultTwitterURL = "https://api.twitter.com"

// SourceError is an error answer from the source API.
type SourceError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *SourceError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("source API status %d: code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("source API status %d: %s", e.StatusCode, e.Message)
}

// TwitterSource searches tweets through the v1.1 search endpoint with a
// guest token.
type TwitterSource struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	limiter     *rate.Limiter

	mu         sync.Mutex
	guestToken string
}

// NewTwitterSource creates a source client; rps bounds the request rate.
func NewTwitterSource(baseURL, bearerToken string, rps float64) *TwitterSource {
	if baseURL == "" {
		baseURL = DefaultTwitterURL
	}
	if rps <= 0 {
		rps = 1
	}
	return &TwitterSource{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Refresh activates a new guest token.
func (ts *TwitterSource) Refresh(ctx context.Context) error {
	if err := ts.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+"/1.1/guest/activate.json", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+ts.bearerToken)

	var out struct {
		GuestToken string `json:"guest_token"`
	}
	if err := ts.doJSON(req, &out); err != nil {
		return fmt.Errorf("activate guest token: %w", err)
	}
	if out.GuestToken == "" {
		return fmt.Errorf("activate guest token: empty token")
	}

	ts.mu.Lock()
	ts.guestToken = out.GuestToken
	ts.mu.Unlock()
	logging.Info("Source guest token refreshed")
	return nil
}

func (ts *TwitterSource) currentGuestToken() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.guestToken
}

// Search implements Source.
func (ts *TwitterSource) Search(ctx context.Context, query string, limit int, maxID string) (*models.SearchResult, error) {
	if ts.currentGuestToken() == "" {
		if err := ts.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	if err := ts.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(limit))
	q.Set("result_type", "recent")
	q.Set("tweet_mode", "extended")
	q.Set("include_entities", "true")
	if maxID != "" {
		q.Set("max_id", maxID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.baseURL+"/1.1/search/tweets.json?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+ts.bearerToken)
	req.Header.Set("x-guest-token", ts.currentGuestToken())

	var out struct {
		Statuses []*tweetJSON `json:"statuses"`
	}
	if err := ts.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	res := &models.SearchResult{Fetched: len(out.Statuses)}
	for _, tw := range out.Statuses {
		if tw.isRetweet() {
			continue
		}
		item, err := tw.toItem()
		if err != nil {
			logging.Warn("Skipping unparsable tweet %s: %v", tw.IDStr, err)
			continue
		}
		res.Items = append(res.Items, item)
	}
	if n := len(out.Statuses); n > 0 {
		res.Cursor = out.Statuses[n-1].IDStr
	}
	return res, nil
}

func (ts *TwitterSource) doJSON(req *http.Request, v any) error {
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseSourceError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}

func parseSourceError(status int, body []byte) error {
	var out struct {
		Errors []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &out); err == nil && len(out.Errors) > 0 {
		return &SourceError{StatusCode: status, Code: out.Errors[0].Code, Message: out.Errors[0].Message}
	}
	return &SourceError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

type tweetSize struct {
	W int `json:"w"`
	H int `json:"h"`
}

type tweetMedia struct {
	Type          string               `json:"type"`
	URL           string               `json:"url"`
	ExpandedURL   string               `json:"expanded_url"`
	MediaURLHTTPS string               `json:"media_url_https"`
	ExtAltText    string               `json:"ext_alt_text"`
	Sizes         map[string]tweetSize `json:"sizes"`
	OriginalInfo  struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"original_info"`
	VideoInfo struct {
		Variants []struct {
			Bitrate     int64  `json:"bitrate"`
			ContentType string `json:"content_type"`
			URL         string `json:"url"`
		} `json:"variants"`
	} `json:"video_info"`
}

type tweetJSON struct {
	IDStr                string `json:"id_str"`
	Text                 string `json:"text"`
	FullText             string `json:"full_text"`
	CreatedAt            string `json:"created_at"`
	InReplyToStatusIDStr string `json:"in_reply_to_status_id_str"`
	InReplyToScreenName  string `json:"in_reply_to_screen_name"`
	QuotedStatusIDStr    string `json:"quoted_status_id_str"`
	QuotedPermalink      *struct {
		Expanded string `json:"expanded"`
	} `json:"quoted_status_permalink"`
	User struct {
		ScreenName string `json:"screen_name"`
	} `json:"user"`
	Entities struct {
		URLs  []models.URLEntity `json:"urls"`
		Media []tweetMedia       `json:"media"`
	} `json:"entities"`
	ExtendedEntities *struct {
		Media []tweetMedia `json:"media"`
	} `json:"extended_entities"`
	RetweetedStatus json.RawMessage `json:"retweeted_status"`
}

func (tw *tweetJSON) isRetweet() bool {
	return len(tw.RetweetedStatus) > 0 && string(tw.RetweetedStatus) != "null"
}

func (tw *tweetJSON) toItem() (*models.SourceItem, error) {
	if tw.IDStr == "" {
		return nil, fmt.Errorf("missing id")
	}
	createdAt, err := time.Parse(time.RubyDate, tw.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}

	item := &models.SourceItem{
		ID:              tw.IDStr,
		Author:          tw.User.ScreenName,
		Text:            tw.Text,
		FullText:        tw.FullText,
		CreatedAt:       createdAt,
		InReplyToID:     tw.InReplyToStatusIDStr,
		InReplyToAuthor: tw.InReplyToScreenName,
		QuotedID:        tw.QuotedStatusIDStr,
		URLs:            tw.Entities.URLs,
	}
	if tw.QuotedPermalink != nil {
		item.QuotedURL = tw.QuotedPermalink.Expanded
	}

	media := tw.Entities.Media
	if tw.ExtendedEntities != nil && len(tw.ExtendedEntities.Media) > 0 {
		media = tw.ExtendedEntities.Media
	}
	for _, m := range media {
		item.Media = append(item.Media, m.toEntity())
	}
	return item, nil
}

func (m *tweetMedia) toEntity() models.MediaEntity {
	e := models.MediaEntity{
		Type:        models.MediaType(m.Type),
		ShortURL:    m.URL,
		ExpandedURL: m.ExpandedURL,
		MediaURL:    m.MediaURLHTTPS,
		AltText:     m.ExtAltText,
		Width:       m.OriginalInfo.Width,
		Height:      m.OriginalInfo.Height,
	}
	for name, s := range m.Sizes {
		e.Sizes = append(e.Sizes, models.MediaSize{Name: name, Width: s.W, Height: s.H})
	}
	for _, v := range m.VideoInfo.Variants {
		e.Variants = append(e.Variants, models.VideoVariant{URL: v.URL, ContentType: v.ContentType, Bitrate: v.Bitrate})
	}
	return e
}
