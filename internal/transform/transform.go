package transform

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"
	"github.com/patrickmn/go-cache"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

var (
	// DefaultShortLinkPattern matches links that are still in shortened form.
	DefaultShortLinkPattern = regexp.MustCompile(`https?://t\.co/[A-Za-z0-9]+`)

	manyNewlines = regexp.MustCompile(`\n{3,}`)
)

// Transformer normalizes source item text before it is posted.
type Transformer struct {
	httpClient    *http.Client
	htmlSanitizer *bluemonday.Policy
	shortLinks    *regexp.Regexp
	resolved      *cache.Cache
}

// NewTransformer creates a new Transformer. A nil client gets a default one
// with a short timeout.
func NewTransformer(httpClient *http.Client) *Transformer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Transformer{
		httpClient:    httpClient,
		htmlSanitizer: bluemonday.StrictPolicy(),
		shortLinks:    DefaultShortLinkPattern,
		resolved:      cache.New(6*time.Hour, 30*time.Minute),
	}
}

// SetShortLinkPattern overrides which links are treated as shortened.
func (t *Transformer) SetShortLinkPattern(re *regexp.Regexp) {
	t.shortLinks = re
}

// Normalize turns an item's body into destination-ready plain text:
// expanded links, no inline media links, at most one blank line between paragraphs.
func (t *Transformer) Normalize(ctx context.Context, item *models.SourceItem) string {
	text := item.Body()
	if item.HTML {
		plain, err := t.htmlToPlainText(text)
		if err != nil {
			logging.Error("HTML to plain text conversion failed for item %s: %v. Using basic strip.", item.ID, err)
			plain = t.basicStripHTML(text)
		}
		text = plain
	} else {
		// Plain-text feeds still escape &, < and >.
		text = html.UnescapeString(text)
	}

	text = expandURLEntities(text, item.URLs)
	// Media links go before resolution: their redirect target need not
	// match ExpandedURL.
	text = stripMediaLinks(text, item.Media)
	text = t.resolveShortLinks(ctx, text)
	return collapseWhitespace(text)
}

func expandURLEntities(text string, urls []models.URLEntity) string {
	for _, u := range urls {
		if u.Short == "" || u.Expanded == "" {
			continue
		}
		text = strings.ReplaceAll(text, u.Short, u.Expanded)
	}
	return text
}

func stripMediaLinks(text string, media []models.MediaEntity) string {
	for _, m := range media {
		if m.ShortURL != "" {
			text = strings.ReplaceAll(text, m.ShortURL, "")
		}
		if m.ExpandedURL != "" {
			text = strings.ReplaceAll(text, m.ExpandedURL, "")
		}
	}
	return text
}

func collapseWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// resolveShortLinks replaces every remaining short link with its redirect
// target. Links that cannot be resolved are left unchanged.
func (t *Transformer) resolveShortLinks(ctx context.Context, text string) string {
	if t.shortLinks == nil {
		return text
	}
	return t.shortLinks.ReplaceAllStringFunc(text, func(short string) string {
		target, err := t.ResolveLink(ctx, short)
		if err != nil {
			logging.Warn("Could not resolve short link %s: %v. Leaving it as is.", short, err)
			return short
		}
		return target
	})
}

// ResolveLink follows redirects for link and returns the final location.
// HEAD is tried first; servers rejecting HEAD get a GET whose body is not read.
func (t *Transformer) ResolveLink(ctx context.Context, link string) (string, error) {
	if v, ok := t.resolved.Get(link); ok {
		return v.(string), nil
	}

	target, err := t.follow(ctx, http.MethodHead, link)
	if err != nil {
		logging.Debug("HEAD %s failed (%v), retrying with GET", link, err)
		target, err = t.follow(ctx, http.MethodGet, link)
	}
	if err != nil {
		return "", err
	}
	t.resolved.SetDefault(link, target)
	return target, nil
}

func (t *Transformer) follow(ctx context.Context, method, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", method, err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	// Only the final URL matters; drain a little so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s %s: status %d", method, link, resp.StatusCode)
	}
	return resp.Request.URL.String(), nil
}

// htmlToPlainText converts HTML content to a cleaner plain text representation.
func (t *Transformer) htmlToPlainText(htmlContent string) (string, error) {
	options := html2text.Options{
		PrettyTables: false,
		OmitLinks:    true, // anchors carry their URL as text already
	}
	plainText, err := html2text.FromString(htmlContent, options)
	if err != nil {
		return "", fmt.Errorf("html2text conversion error: %w", err)
	}
	return html.UnescapeString(plainText), nil
}

// basicStripHTML is a fallback stripper using bluemonday (less sophisticated than html2text).
func (t *Transformer) basicStripHTML(htmlContent string) string {
	withBreaks := strings.NewReplacer("</p>", "\n\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n").Replace(htmlContent)
	sanitized := t.htmlSanitizer.Sanitize(withBreaks)
	return html.UnescapeString(sanitized)
}
