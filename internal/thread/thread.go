// Package thread decides how an item links to previously migrated items:
// as a reply in an existing chain, as a quote embed, or not at all.
package thread

import (
	"context"
	"fmt"
	"strings"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

// History is the part of the History Store the resolver reads.
type History interface {
	Get(ctx context.Context, itemID, account string) (*models.MigrationRecord, error)
}

// Linkage is the resolved thread and quote context of one item.
type Linkage struct {
	// Skip is set when the item replies to something that was not migrated
	// by this account. Such items are recorded as skipped and never posted.
	Skip       bool
	SkipReason string

	// Parent and Root are set when the item continues an existing chain.
	Parent models.PostRef
	Root   models.PostRef

	// Quote is the embed target for a quote of a migrated item.
	Quote *models.PostRef
	// QuoteLink is appended to the text when the quoted item is external.
	QuoteLink string
	// quoteURLs are stripped from the text when Quote is embedded.
	quoteURLs []string
}

// IsThreaded reports whether the item continues an existing chain.
func (l *Linkage) IsThreaded() bool {
	return l != nil && !l.Parent.IsZero()
}

// ApplyText adjusts the normalized text for the quote decision: an embedded
// quote drops its inline permalink, an external quote gets one appended.
func (l *Linkage) ApplyText(text string) string {
	if l == nil {
		return text
	}
	if l.Quote != nil {
		for _, u := range l.quoteURLs {
			if u != "" {
				text = strings.ReplaceAll(text, u, "")
			}
		}
		return strings.TrimSpace(text)
	}
	if l.QuoteLink != "" && !strings.Contains(text, l.QuoteLink) {
		if text == "" {
			return l.QuoteLink
		}
		return text + "\n\n" + l.QuoteLink
	}
	return text
}

// Resolver looks up reply parents and quoted items in the History Store.
type Resolver struct {
	history History
}

// NewResolver creates a Resolver over history.
func NewResolver(history History) *Resolver {
	return &Resolver{history: history}
}

// IsReply classifies item as a reply: structured reply fields, or text that
// opens with an @-mention. text is the normalized body.
func IsReply(item *models.SourceItem, text string) bool {
	if item.InReplyToID != "" || item.InReplyToAuthor != "" {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(text), "@")
}

// Resolve computes the linkage of item for account.
func (r *Resolver) Resolve(ctx context.Context, item *models.SourceItem, account, text string) (*Linkage, error) {
	link := &Linkage{}

	if IsReply(item, text) {
		if item.InReplyToID == "" && item.InReplyToAuthor == "" {
			// Leading mention without reply metadata may be a plain post.
			logging.Warn("Item %s treated as a reply only because its text opens with a mention", item.ID)
		}
		parent, err := r.lookup(ctx, item.InReplyToID, account)
		if err != nil {
			return nil, err
		}
		if !parent.ThreadEligible() {
			link.Skip = true
			link.SkipReason = replySkipReason(item, parent)
			logging.Info("Item %s skipped: %s", item.ID, link.SkipReason)
			return link, nil
		}
		link.Parent = parent.Post
		link.Root = parent.Root
		logging.Debug("Item %s threads under %s (root %s)", item.ID, link.Parent.URI, link.Root.URI)
	}

	if item.QuotedID != "" {
		quoted, err := r.lookup(ctx, item.QuotedID, account)
		if err != nil {
			return nil, err
		}
		if quoted.ThreadEligible() {
			ref := quoted.Post
			link.Quote = &ref
			link.quoteURLs = []string{item.QuotedURL, item.QuotedLocation()}
		} else {
			link.QuoteLink = item.QuotedLocation()
			logging.Info("Item %s quotes untracked item %s, linking instead of embedding", item.ID, item.QuotedID)
		}
	}
	return link, nil
}

func (r *Resolver) lookup(ctx context.Context, itemID, account string) (*models.MigrationRecord, error) {
	if itemID == "" {
		return nil, nil
	}
	rec, err := r.history.Get(ctx, itemID, account)
	if err != nil {
		return nil, fmt.Errorf("history lookup %s/%s: %w", account, itemID, err)
	}
	return rec, nil
}

func replySkipReason(item *models.SourceItem, parent *models.MigrationRecord) string {
	switch {
	case item.InReplyToID == "":
		return "reply without a known parent item"
	case parent == nil:
		return fmt.Sprintf("reply to untracked item %s", item.InReplyToID)
	case parent.External:
		return fmt.Sprintf("reply to externally sourced item %s", item.InReplyToID)
	default:
		return fmt.Sprintf("reply to item %s with status %s", item.InReplyToID, parent.Status)
	}
}
