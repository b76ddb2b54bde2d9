package thread

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdbridge/internal/models"
)

type mapHistory struct {
	records map[string]*models.MigrationRecord
	err     error
}

func (h *mapHistory) Get(_ context.Context, itemID, account string) (*models.MigrationRecord, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.records[account+"/"+itemID], nil
}

func migrated(id, post, root string) *models.MigrationRecord {
	return &models.MigrationRecord{
		ItemID:  id,
		Account: "me.bsky.social",
		Status:  models.StatusMigrated,
		Post:    models.PostRef{URI: "at://me/app.bsky.feed.post/" + post, CID: "cid-" + post},
		Root:    models.PostRef{URI: "at://me/app.bsky.feed.post/" + root, CID: "cid-" + root},
	}
}

func newResolver() *Resolver {
	return NewResolver(&mapHistory{records: map[string]*models.MigrationRecord{
		"me.bsky.social/1":   migrated("1", "a", "a"),
		"me.bsky.social/2":   migrated("2", "b", "a"),
		"me.bsky.social/3":   {ItemID: "3", Account: "me.bsky.social", Status: models.StatusSkipped},
		"me.bsky.social/4":   {ItemID: "4", Account: "me.bsky.social", Status: models.StatusMigrated, External: true, Post: models.PostRef{URI: "at://x"}, Root: models.PostRef{URI: "at://x"}},
		"other.bsky.social/9": migrated("9", "z", "z"),
	}})
}

func TestReplyInheritsParentRoot(t *testing.T) {
	item := &models.SourceItem{ID: "5", InReplyToID: "2", InReplyToAuthor: "me"}
	link, err := newResolver().Resolve(context.Background(), item, "me.bsky.social", "more")
	require.NoError(t, err)

	assert.False(t, link.Skip)
	assert.True(t, link.IsThreaded())
	assert.Equal(t, "at://me/app.bsky.feed.post/b", link.Parent.URI)
	assert.Equal(t, "at://me/app.bsky.feed.post/a", link.Root.URI)
}

func TestReplySkippedWhenParentIneligible(t *testing.T) {
	tests := []struct {
		name    string
		replyTo string
		account string
		reason  string
	}{
		{"untracked", "77", "me.bsky.social", "untracked"},
		{"skipped parent", "3", "me.bsky.social", "status skipped"},
		{"external parent", "4", "me.bsky.social", "externally sourced"},
		{"other account", "9", "me.bsky.social", "untracked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &models.SourceItem{ID: "5", InReplyToID: tt.replyTo}
			link, err := newResolver().Resolve(context.Background(), item, tt.account, "text")
			require.NoError(t, err)
			assert.True(t, link.Skip)
			assert.Contains(t, link.SkipReason, tt.reason)
			assert.False(t, link.IsThreaded())
		})
	}
}

func TestLeadingMentionIsTreatedAsReply(t *testing.T) {
	item := &models.SourceItem{ID: "5"}
	assert.True(t, IsReply(item, "  @bob hello"))
	assert.False(t, IsReply(item, "hello @bob"))

	link, err := newResolver().Resolve(context.Background(), item, "me.bsky.social", "@bob hello")
	require.NoError(t, err)
	assert.True(t, link.Skip)
}

func TestQuoteOfMigratedItemEmbeds(t *testing.T) {
	item := &models.SourceItem{ID: "6", Author: "me", QuotedID: "1", QuotedURL: "https://x.com/me/status/1"}
	link, err := newResolver().Resolve(context.Background(), item, "me.bsky.social", "look at this https://x.com/me/status/1")
	require.NoError(t, err)

	require.NotNil(t, link.Quote)
	assert.Equal(t, "cid-a", link.Quote.CID)
	assert.Empty(t, link.QuoteLink)
	assert.Equal(t, "look at this", link.ApplyText("look at this https://x.com/me/status/1"))
}

func TestQuoteOfExternalItemAppendsLink(t *testing.T) {
	item := &models.SourceItem{ID: "6", QuotedID: "500"}
	link, err := newResolver().Resolve(context.Background(), item, "me.bsky.social", "so true")
	require.NoError(t, err)

	assert.Nil(t, link.Quote)
	assert.Equal(t, "https://x.com/i/status/500", link.QuoteLink)
	assert.Equal(t, "so true\n\nhttps://x.com/i/status/500", link.ApplyText("so true"))
	assert.Equal(t, "so true https://x.com/i/status/500", link.ApplyText("so true https://x.com/i/status/500"))
	assert.Equal(t, "https://x.com/i/status/500", link.ApplyText(""))
}

func TestPlainItemHasNoLinkage(t *testing.T) {
	link, err := newResolver().Resolve(context.Background(), &models.SourceItem{ID: "8"}, "me.bsky.social", "hello")
	require.NoError(t, err)
	assert.False(t, link.Skip)
	assert.False(t, link.IsThreaded())
	assert.Nil(t, link.Quote)
	assert.Equal(t, "hello", link.ApplyText("hello"))
}

func TestHistoryErrorsSurface(t *testing.T) {
	r := NewResolver(&mapHistory{err: errors.New("disk I/O error")})
	_, err := r.Resolve(context.Background(), &models.SourceItem{ID: "1", InReplyToID: "2"}, "me.bsky.social", "x")
	assert.ErrorContains(t, err, "disk I/O error")
}
