package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

// DefaultServiceURL is the PDS used when a mapping does not name one.
const DefaultServiceURL = "https://bsky.social"

const postCollection = "app.bsky.feed.post"

// ErrNotAuthenticated is returned by calls that need a session before Authenticate succeeded.
var ErrNotAuthenticated = errors.New("bluesky client not authenticated")

var (
	linkRegex    = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"')]+`)
	mentionRegex = regexp.MustCompile(`(?:^|\s)(@([a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+))`)
)

// BlueskyClient wraps the indigo XRPC client with the calls the migration
// needs: session creation, blob upload, post creation and service auth.
type BlueskyClient struct {
	client *xrpc.Client
}

// NewBlueskyClient creates an unauthenticated client for serviceURL.
func NewBlueskyClient(serviceURL string) *BlueskyClient {
	if serviceURL == "" {
		serviceURL = DefaultServiceURL
	}
	return &BlueskyClient{
		client: &xrpc.Client{
			Host:   strings.TrimRight(serviceURL, "/"),
			Client: &http.Client{Timeout: 2 * time.Minute},
		},
	}
}

// Authenticate creates a session with the PDS using identifier and app password.
func (bsc *BlueskyClient) Authenticate(ctx context.Context, identifier, appPassword string) error {
	logging.Info("Authenticating Bluesky client for user: %s", identifier)
	sess, err := comatproto.ServerCreateSession(ctx, bsc.client, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   appPassword,
	})
	if err != nil {
		return fmt.Errorf("bluesky authentication failed for %s: %w", identifier, err)
	}

	bsc.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
		Handle:     sess.Handle,
		Did:        sess.Did,
	}
	logging.Info("Bluesky authentication successful for user: %s (DID: %s)", sess.Handle, sess.Did)
	return nil
}

// DID returns the session's DID, or "" before authentication.
func (bsc *BlueskyClient) DID() string {
	if bsc.client.Auth == nil {
		return ""
	}
	return bsc.client.Auth.Did
}

// AccessToken returns the session's access JWT.
func (bsc *BlueskyClient) AccessToken() string {
	if bsc.client.Auth == nil {
		return ""
	}
	return bsc.client.Auth.AccessJwt
}

// PDSHost returns the host name of the PDS, e.g. "bsky.social".
func (bsc *BlueskyClient) PDSHost() string {
	u, err := url.Parse(bsc.client.Host)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(bsc.client.Host, "https://"), "http://")
	}
	return u.Hostname()
}

func (bsc *BlueskyClient) checkAuth() error {
	if bsc.client.Auth == nil || bsc.client.Auth.Did == "" {
		return ErrNotAuthenticated
	}
	return nil
}

// UploadBlob uploads media data and returns the blob reference.
func (bsc *BlueskyClient) UploadBlob(ctx context.Context, data []byte, contentType string) (*lexutil.LexBlob, error) {
	if err := bsc.checkAuth(); err != nil {
		return nil, err
	}

	logging.Debug("Uploading blob to Bluesky, size: %d, content-type: %s", len(data), contentType)
	resp, err := comatproto.RepoUploadBlob(ctx, bsc.client, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob to Bluesky: %w", err)
	}
	if resp.Blob == nil {
		return nil, errors.New("upload blob: empty response")
	}
	if resp.Blob.MimeType == "" || resp.Blob.MimeType == "*/*" {
		resp.Blob.MimeType = contentType
	}
	logging.Debug("Blob uploaded: CID %s", resp.Blob.Ref.String())
	return resp.Blob, nil
}

// ServiceAuthToken requests a short-lived token for aud, scoped to the lexicon method lxm.
func (bsc *BlueskyClient) ServiceAuthToken(ctx context.Context, aud, lxm string, ttl time.Duration) (string, error) {
	if err := bsc.checkAuth(); err != nil {
		return "", err
	}
	exp := time.Now().Add(ttl).Unix()
	out, err := comatproto.ServerGetServiceAuth(ctx, bsc.client, aud, exp, lxm)
	if err != nil {
		return "", fmt.Errorf("failed to get service auth token for %s: %w", aud, err)
	}
	return out.Token, nil
}

// CreatePost publishes draft and returns the new record's reference.
func (bsc *BlueskyClient) CreatePost(ctx context.Context, draft *models.PostDraft) (models.PostRef, error) {
	if err := bsc.checkAuth(); err != nil {
		return models.PostRef{}, err
	}

	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	post := &appbsky.FeedPost{
		LexiconTypeID: postCollection,
		CreatedAt:     createdAt.UTC().Format(time.RFC3339),
		Text:          draft.Text,
		Facets:        bsc.detectFacets(ctx, draft.Text),
		Langs:         draft.Langs,
		Embed:         draft.Embed,
		Reply:         draft.Reply,
	}

	if draft.Reply != nil && draft.Reply.Root != nil && draft.Reply.Parent != nil {
		logging.Debug("Posting Bluesky reply with root %s, parent %s", draft.Reply.Root.Uri, draft.Reply.Parent.Uri)
	}

	res, err := comatproto.RepoCreateRecord(ctx, bsc.client, &comatproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       bsc.client.Auth.Did,
		Record:     &lexutil.LexiconTypeDecoder{Val: post},
	})
	if err != nil {
		return models.PostRef{}, fmt.Errorf("failed to create Bluesky post: %w", err)
	}

	logging.Info("Posted to Bluesky: URI %s, CID %s", res.Uri, res.Cid)
	return models.PostRef{URI: res.Uri, CID: res.Cid}, nil
}

// detectFacets finds links and resolvable handle mentions in text and
// converts them to facets. Indices are byte offsets into the UTF-8 text.
func (bsc *BlueskyClient) detectFacets(ctx context.Context, text string) []*appbsky.RichtextFacet {
	facets := linkFacets(text)

	for _, match := range mentionRegex.FindAllStringSubmatchIndex(text, -1) {
		handle := text[match[4]:match[5]]
		resp, err := comatproto.IdentityResolveHandle(ctx, bsc.client, handle)
		if err != nil {
			logging.Debug("Failed to resolve handle '%s': %v. Skipping mention facet.", handle, err)
			continue
		}
		facets = append(facets, &appbsky.RichtextFacet{
			Index: &appbsky.RichtextFacet_ByteSlice{ByteStart: int64(match[2]), ByteEnd: int64(match[3])},
			Features: []*appbsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Mention: &appbsky.RichtextFacet_Mention{Did: resp.Did}},
			},
		})
	}

	sort.SliceStable(facets, func(i, j int) bool {
		return facets[i].Index.ByteStart < facets[j].Index.ByteStart
	})
	return facets
}

func linkFacets(text string) []*appbsky.RichtextFacet {
	var facets []*appbsky.RichtextFacet
	for _, loc := range linkRegex.FindAllStringIndex(text, -1) {
		uri := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?")
		facets = append(facets, &appbsky.RichtextFacet{
			Index: &appbsky.RichtextFacet_ByteSlice{ByteStart: int64(loc[0]), ByteEnd: int64(loc[0] + len(uri))},
			Features: []*appbsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Link: &appbsky.RichtextFacet_Link{Uri: uri}},
			},
		})
	}
	return facets
}

// IsAuthError reports whether err means the destination session is no
// longer usable and a fresh login is required.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotAuthenticated) {
		return true
	}
	var xe *xrpc.Error
	if errors.As(err, &xe) && xe.StatusCode == http.StatusUnauthorized {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "ExpiredToken") || strings.Contains(msg, "InvalidToken")
}
