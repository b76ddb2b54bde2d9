package transform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdbridge/internal/models"
)

func newShortLinkServer(t *testing.T, headCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/s/abc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			atomic.AddInt32(headCalls, 1)
		}
		http.Redirect(w, r, "/final/abc", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/s/nohead", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.Redirect(w, r, "/final/nohead", http.StatusFound)
	})
	mux.HandleFunc("/s/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/final/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestTransformer(ts *httptest.Server) *Transformer {
	tr := NewTransformer(ts.Client())
	tr.SetShortLinkPattern(regexp.MustCompile(regexp.QuoteMeta(ts.URL) + `/s/[a-z]+`))
	return tr
}

func TestNormalizeExpandsAndStrips(t *testing.T) {
	var heads int32
	ts := newShortLinkServer(t, &heads)
	tr := newTestTransformer(ts)

	item := &models.SourceItem{
		ID:       "1",
		Text:     "short",
		FullText: "Read https://t.co/aaa &amp; enjoy\n\n\n\n\nmore: " + ts.URL + "/s/abc https://t.co/pic   ",
		URLs:     []models.URLEntity{{Short: "https://t.co/aaa", Expanded: "https://example.com/article"}},
		Media: []models.MediaEntity{{
			Type:        models.MediaPhoto,
			ShortURL:    "https://t.co/pic",
			ExpandedURL: "https://x.com/alice/status/1/photo/1",
		}},
	}

	got := tr.Normalize(context.Background(), item)
	assert.Equal(t, "Read https://example.com/article & enjoy\n\nmore: "+ts.URL+"/final/abc", got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&heads))

	// Second resolution is served from the cache.
	_ = tr.Normalize(context.Background(), item)
	assert.Equal(t, int32(1), atomic.LoadInt32(&heads))
}

func TestMediaShortLinkIsNeverResolved(t *testing.T) {
	var heads int32
	ts := newShortLinkServer(t, &heads)
	tr := newTestTransformer(ts)

	item := &models.SourceItem{
		ID:   "3",
		Text: "look at this " + ts.URL + "/s/abc",
		Media: []models.MediaEntity{{
			Type:        models.MediaPhoto,
			ShortURL:    ts.URL + "/s/abc",
			ExpandedURL: "https://twitter.com/alice/status/3/photo/1",
		}},
	}

	assert.Equal(t, "look at this", tr.Normalize(context.Background(), item))
	assert.Zero(t, atomic.LoadInt32(&heads))
}

func TestResolveLinkFallsBackToGet(t *testing.T) {
	var heads int32
	ts := newShortLinkServer(t, &heads)
	tr := newTestTransformer(ts)

	target, err := tr.ResolveLink(context.Background(), ts.URL+"/s/nohead")
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/final/nohead", target)
}

func TestUnresolvableLinkIsLeftUnchanged(t *testing.T) {
	var heads int32
	ts := newShortLinkServer(t, &heads)
	tr := newTestTransformer(ts)

	item := &models.SourceItem{ID: "2", Text: "see " + ts.URL + "/s/gone"}
	assert.Equal(t, "see "+ts.URL+"/s/gone", tr.Normalize(context.Background(), item))
}

func TestNormalizeHTMLBody(t *testing.T) {
	tr := NewTransformer(nil)
	tr.SetShortLinkPattern(nil)

	item := &models.SourceItem{
		ID:   "3",
		HTML: true,
		Text: `<p>Hello &amp; welcome</p><p>Second <a href="https://example.com">https://example.com</a></p>`,
	}
	got := tr.Normalize(context.Background(), item)
	assert.Contains(t, got, "Hello & welcome")
	assert.Contains(t, got, "Second https://example.com")
	assert.NotContains(t, got, "<p>")
}

func TestBasicStripHTML(t *testing.T) {
	tr := NewTransformer(nil)
	got := tr.basicStripHTML(`<p>one</p><p>two<br>three &lt;3</p>`)
	assert.Equal(t, "one\n\ntwo\nthree <3", strings.TrimSpace(got))
}

func TestBodyPrefersLongerField(t *testing.T) {
	item := &models.SourceItem{Text: "truncated…", FullText: "the whole thing, untruncated"}
	assert.Equal(t, "the whole thing, untruncated", item.Body())

	item = &models.SourceItem{Text: "only text"}
	assert.Equal(t, "only text", item.Body())
}
