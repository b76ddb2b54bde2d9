package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-mastodon"
	"golang.org/x/time/rate"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

// MastodonSource reads an account's public statuses through go-mastodon.
type MastodonSource struct {
	client  *mastodon.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	accounts map[string]mastodon.ID // acct -> account id
}

// NewMastodonSource creates a source for the instance at server. accessToken
// may be empty for instances that allow anonymous reads.
func NewMastodonSource(server, accessToken string, rps float64) (*MastodonSource, error) {
	if server == "" {
		return nil, fmt.Errorf("mastodon source requires a base_url")
	}
	if rps <= 0 {
		rps = 1
	}
	client := mastodon.NewClient(&mastodon.Config{
		Server:      strings.TrimRight(server, "/"),
		AccessToken: accessToken,
	})
	return &MastodonSource{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		accounts: make(map[string]mastodon.ID),
	}, nil
}

// Refresh drops cached account lookups so the next search resolves them again.
func (ms *MastodonSource) Refresh(_ context.Context) error {
	ms.mu.Lock()
	ms.accounts = make(map[string]mastodon.ID)
	ms.mu.Unlock()
	logging.Info("Mastodon source account cache cleared")
	return nil
}

func (ms *MastodonSource) lookupAccount(ctx context.Context, acct string) (mastodon.ID, error) {
	ms.mu.Lock()
	id, ok := ms.accounts[acct]
	ms.mu.Unlock()
	if ok {
		return id, nil
	}

	if err := ms.limiter.Wait(ctx); err != nil {
		return "", err
	}
	found, err := ms.client.AccountsSearch(ctx, acct, 5)
	if err != nil {
		return "", fmt.Errorf("failed to look up Mastodon account %s: %w", acct, err)
	}
	for _, a := range found {
		if strings.EqualFold(a.Acct, acct) || strings.EqualFold(a.Username, acct) {
			ms.mu.Lock()
			ms.accounts[acct] = a.ID
			ms.mu.Unlock()
			return a.ID, nil
		}
	}
	return "", fmt.Errorf("mastodon account %s not found", acct)
}

// Search implements Source. Only "from:<acct>" queries are supported.
func (ms *MastodonSource) Search(ctx context.Context, query string, limit int, maxID string) (*models.SearchResult, error) {
	acct := strings.TrimPrefix(strings.TrimSpace(query), "from:")
	if acct == "" || strings.ContainsAny(acct, " \t") {
		return nil, fmt.Errorf("unsupported Mastodon query %q", query)
	}
	id, err := ms.lookupAccount(ctx, acct)
	if err != nil {
		return nil, err
	}

	if err := ms.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	pg := &mastodon.Pagination{Limit: int64(limit)}
	if maxID != "" {
		pg.MaxID = mastodon.ID(maxID)
	}
	statuses, err := ms.client.GetAccountStatuses(ctx, id, pg)
	if err != nil {
		return nil, fmt.Errorf("failed to get Mastodon statuses for %s: %w", acct, err)
	}

	res := &models.SearchResult{Fetched: len(statuses)}
	for _, st := range statuses {
		if st.Reblog != nil {
			continue
		}
		res.Items = append(res.Items, statusToItem(st))
	}
	if n := len(statuses); n > 0 {
		res.Cursor = string(statuses[n-1].ID)
	}
	logging.Debug("Fetched %d Mastodon statuses for %s", len(res.Items), acct)
	return res, nil
}

func statusToItem(st *mastodon.Status) *models.SourceItem {
	item := &models.SourceItem{
		ID:        string(st.ID),
		Author:    st.Account.Acct,
		Text:      st.Content,
		HTML:      true,
		CreatedAt: st.CreatedAt,
		Permalink: st.URL,
	}
	if st.InReplyToID != nil {
		item.InReplyToID = fmt.Sprint(st.InReplyToID)
	}
	if st.InReplyToAccountID != nil {
		replyAccount := fmt.Sprint(st.InReplyToAccountID)
		for _, m := range st.Mentions {
			if string(m.ID) == replyAccount {
				item.InReplyToAuthor = m.Acct
				break
			}
		}
		if item.InReplyToAuthor == "" && replyAccount == string(st.Account.ID) {
			item.InReplyToAuthor = st.Account.Acct
		}
	}

	for _, a := range st.MediaAttachments {
		e := models.MediaEntity{
			AltText: a.Description,
			Width:   int(a.Meta.Original.Width),
			Height:  int(a.Meta.Original.Height),
		}
		switch a.Type {
		case "image":
			e.Type = models.MediaPhoto
			e.MediaURL = a.URL
		case "video", "gifv":
			e.Type = models.MediaVideo
			if a.Type == "gifv" {
				e.Type = models.MediaAnimatedGIF
			}
			e.Variants = []models.VideoVariant{{URL: a.URL, ContentType: "video/mp4"}}
		default:
			logging.Debug("Status %s: ignoring %s attachment", st.ID, a.Type)
			continue
		}
		item.Media = append(item.Media, e)
	}
	return item
}
