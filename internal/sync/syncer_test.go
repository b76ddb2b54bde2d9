package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/stretchr/testify/suite"

	"birdbridge/internal/database"
	"birdbridge/internal/media"
	"birdbridge/internal/models"
)

const account = "me.bsky.social"

type passthroughNormalizer struct{}

func (passthroughNormalizer) Normalize(_ context.Context, item *models.SourceItem) string {
	return strings.TrimSpace(item.Body())
}

type scriptedMedia struct {
	results map[string]*media.Result
	calls   int
}

func (m *scriptedMedia) Prepare(_ context.Context, _ media.Destination, item *models.SourceItem) *media.Result {
	m.calls++
	if r, ok := m.results[item.ID]; ok {
		return r
	}
	return &media.Result{}
}

type recordingDest struct {
	drafts []*models.PostDraft
	failAt map[int]error // 1-based call number
}

func (d *recordingDest) CreatePost(_ context.Context, draft *models.PostDraft) (models.PostRef, error) {
	n := len(d.drafts) + 1
	if err := d.failAt[n]; err != nil {
		d.failAt[n] = nil
		return models.PostRef{}, err
	}
	d.drafts = append(d.drafts, draft)
	return models.PostRef{URI: fmt.Sprintf("at://did:plc:me/app.bsky.feed.post/%d", n), CID: fmt.Sprintf("cid%d", n)}, nil
}

func (d *recordingDest) UploadBlob(context.Context, []byte, string) (*lexutil.LexBlob, error) {
	return nil, errors.New("not used")
}

func (d *recordingDest) UploadVideo(context.Context, []byte, string) (*models.VideoJobStatus, error) {
	return nil, errors.New("not used")
}

func (d *recordingDest) JobStatus(context.Context, string) (*models.VideoJobStatus, error) {
	return nil, errors.New("not used")
}

type SyncerSuite struct {
	suite.Suite
	db     *database.DB
	media  *scriptedMedia
	dest   *recordingDest
	sleeps []time.Duration
	syncer *Syncer
}

func (s *SyncerSuite) SetupTest() {
	db, err := database.NewDB(filepath.Join(s.T().TempDir(), "history.db"))
	s.Require().NoError(err)
	s.db = db
	s.media = &scriptedMedia{results: map[string]*media.Result{}}
	s.dest = &recordingDest{failAt: map[int]error{}}
	s.sleeps = nil

	s.syncer = NewSyncer(db, passthroughNormalizer{}, s.media, Options{
		MaxChunkLength: 20,
		Langs:          []string{"en"},
		ChunkDelay:     1500 * time.Millisecond,
		ItemDelayMin:   time.Second,
		ItemDelayMax:   5 * time.Second,
	})
	s.syncer.SetSleep(func(_ context.Context, d time.Duration) error {
		s.sleeps = append(s.sleeps, d)
		return nil
	})
	s.syncer.SetRand(rand.New(rand.NewSource(1)))
}

func (s *SyncerSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func (s *SyncerSuite) record(id string) *models.MigrationRecord {
	rec, err := s.db.Get(context.Background(), id, account)
	s.Require().NoError(err)
	return rec
}

func item(id string, minute int, text string) *models.SourceItem {
	return &models.SourceItem{
		ID:        id,
		Author:    "me",
		FullText:  text,
		CreatedAt: time.Date(2024, 1, 1, 12, minute, 0, 0, time.UTC),
	}
}

func (s *SyncerSuite) TestSecondRunPostsNothing() {
	ctx := context.Background()
	batch := []*models.SourceItem{item("1", 1, "hello"), item("2", 2, "world")}

	first := s.syncer.ProcessBatch(ctx, s.dest, account, batch)
	s.NoError(first.Err)
	s.Equal(2, first.Posted())
	s.Len(s.dest.drafts, 2)

	second := s.syncer.ProcessBatch(ctx, s.dest, account, batch)
	s.NoError(second.Err)
	s.Equal(0, second.Posted())
	s.Equal(2, second.Counts[Duplicate])
	s.Len(s.dest.drafts, 2)

	all, err := s.db.ListByAccount(ctx, account)
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *SyncerSuite) TestBatchRunsOldestFirst() {
	batch := []*models.SourceItem{item("3", 3, "c"), item("1", 1, "a"), item("2", 2, "b")}
	s.syncer.ProcessBatch(context.Background(), s.dest, account, batch)

	s.Require().Len(s.dest.drafts, 3)
	s.Equal("a", s.dest.drafts[0].Text)
	s.Equal("b", s.dest.drafts[1].Text)
	s.Equal("c", s.dest.drafts[2].Text)
	// Pacing only between posted items.
	s.Require().Len(s.sleeps, 2)
	for _, d := range s.sleeps {
		s.GreaterOrEqual(d, time.Second)
		s.LessOrEqual(d, 5*time.Second)
	}
}

func (s *SyncerSuite) TestThreadRootPropagates() {
	a := item("10", 1, "A")
	b := item("11", 2, "B")
	b.InReplyToID, b.InReplyToAuthor = "10", "me"
	c := item("12", 3, "C")
	c.InReplyToID, c.InReplyToAuthor = "11", "me"

	sum := s.syncer.ProcessBatch(context.Background(), s.dest, account, []*models.SourceItem{c, b, a})
	s.Require().NoError(sum.Err)
	s.Equal(3, sum.Posted())

	recA, recB, recC := s.record("10"), s.record("11"), s.record("12")
	s.Equal(recA.Post, recA.Root)
	s.Equal(recA.Post, recB.Root)
	s.Equal(recA.Post, recC.Root)
	s.NotEqual(recC.Post, recC.Root)

	draftC := s.dest.drafts[2]
	s.Require().NotNil(draftC.Reply)
	s.Equal(recB.Post.URI, draftC.Reply.Parent.Uri)
	s.Equal(recA.Post.URI, draftC.Reply.Root.Uri)
}

func (s *SyncerSuite) TestReplyToUnknownIsSkipped() {
	r := item("20", 1, "@bob agreed")
	r.InReplyToID, r.InReplyToAuthor = "999", "bob"

	res := s.syncer.ProcessItem(context.Background(), s.dest, account, r)
	s.Equal(Skipped, res.Kind)
	s.Empty(s.dest.drafts)
	s.Zero(s.media.calls)

	rec := s.record("20")
	s.Require().NotNil(rec)
	s.Equal(models.StatusSkipped, rec.Status)
	s.True(rec.Post.IsZero())

	// The skip is permanent.
	res = s.syncer.ProcessItem(context.Background(), s.dest, account, r)
	s.Equal(Duplicate, res.Kind)
}

func (s *SyncerSuite) TestLongTextPostsChunkChain() {
	long := item("30", 1, "one two three four. five six seven eight nine ten eleven")
	s.media.results["30"] = &media.Result{Images: []*models.MediaAttachment{{Description: "pic", Blob: &lexutil.LexBlob{MimeType: "image/jpeg"}, Width: 4, Height: 3}}}

	res := s.syncer.ProcessItem(context.Background(), s.dest, account, long)
	s.Equal(Migrated, res.Kind)
	s.Require().Greater(len(s.dest.drafts), 1)
	s.Equal(len(s.dest.drafts), res.Chunks)

	first := s.dest.drafts[0]
	s.Nil(first.Reply)
	s.Require().NotNil(first.Embed)
	s.Require().NotNil(first.Embed.EmbedImages)
	s.Equal("pic", first.Embed.EmbedImages.Images[0].Alt)
	s.Equal(int64(4), first.Embed.EmbedImages.Images[0].AspectRatio.Width)

	for i, d := range s.dest.drafts[1:] {
		s.Nil(d.Embed, "chunk %d must not carry an embed", i+2)
		s.Require().NotNil(d.Reply)
		s.Equal(fmt.Sprintf("at://did:plc:me/app.bsky.feed.post/%d", i+1), d.Reply.Parent.Uri)
		s.Equal("at://did:plc:me/app.bsky.feed.post/1", d.Reply.Root.Uri)
	}
	for _, d := range s.dest.drafts {
		s.LessOrEqual(len([]rune(d.Text)), 20)
		s.Equal([]string{"en"}, d.Langs)
	}
	s.Equal(1500*time.Millisecond, s.sleeps[0])
}

func (s *SyncerSuite) TestLaterChunkFailureKeepsRecord() {
	s.dest.failAt[2] = errors.New("upstream 502")
	long := item("40", 1, "alpha beta gamma delta epsilon zeta eta theta")

	res := s.syncer.ProcessItem(context.Background(), s.dest, account, long)
	s.Equal(Migrated, res.Kind)
	s.Equal(1, res.Chunks)
	s.Len(s.dest.drafts, 1)

	rec := s.record("40")
	s.Require().NotNil(rec)
	s.Equal(models.StatusMigrated, rec.Status)
	s.Equal(res.Post, rec.Post)
}

func (s *SyncerSuite) TestFirstChunkFailureLeavesItemUnrecorded() {
	s.dest.failAt[1] = errors.New("upstream 502")

	res := s.syncer.ProcessItem(context.Background(), s.dest, account, item("50", 1, "hi"))
	s.Equal(Failed, res.Kind)
	s.Nil(s.record("50"))

	res = s.syncer.ProcessItem(context.Background(), s.dest, account, item("50", 1, "hi"))
	s.Equal(Migrated, res.Kind)
}

func (s *SyncerSuite) TestAuthFailureStopsBatch() {
	s.dest.failAt[2] = &xrpc.Error{StatusCode: 401, Wrapped: errors.New("ExpiredToken")}
	batch := []*models.SourceItem{item("60", 1, "a"), item("61", 2, "b"), item("62", 3, "c")}

	sum := s.syncer.ProcessBatch(context.Background(), s.dest, account, batch)
	s.Error(sum.Err)
	s.Equal(1, sum.Counts[Migrated])
	s.Equal(1, sum.Counts[Fatal])
	s.Nil(s.record("62"))
}

func (s *SyncerSuite) TestMediaFallbackLinkIsAppended() {
	v := item("70", 1, "clip")
	s.media.results["70"] = &media.Result{Fallbacks: []string{v.URL()}}
	s.syncer.opts.MaxChunkLength = 300

	s.syncer.ProcessItem(context.Background(), s.dest, account, v)
	s.Require().Len(s.dest.drafts, 1)
	s.Equal("clip\n\nhttps://x.com/me/status/70", s.dest.drafts[0].Text)
	s.Nil(s.dest.drafts[0].Embed)
}

func (s *SyncerSuite) TestQuoteEmbedsMigratedItem() {
	ctx := context.Background()
	s.syncer.ProcessItem(ctx, s.dest, account, item("80", 1, "original"))

	q := item("81", 2, "quoting")
	q.QuotedID = "80"
	s.media.results["81"] = &media.Result{Video: &models.MediaAttachment{Blob: &lexutil.LexBlob{MimeType: "video/mp4"}, Width: 16, Height: 9}}
	s.syncer.ProcessItem(ctx, s.dest, account, q)

	s.Require().Len(s.dest.drafts, 2)
	embed := s.dest.drafts[1].Embed
	s.Require().NotNil(embed.EmbedRecordWithMedia)
	s.Equal("at://did:plc:me/app.bsky.feed.post/1", embed.EmbedRecordWithMedia.Record.Record.Uri)
	s.NotNil(embed.EmbedRecordWithMedia.Media.EmbedVideo)
	s.Nil(embed.EmbedRecordWithMedia.Media.EmbedImages)
}

func (s *SyncerSuite) TestEmptyItemIsSkipped() {
	res := s.syncer.ProcessItem(context.Background(), s.dest, account, item("90", 1, "   "))
	s.Equal(Skipped, res.Kind)
	s.Empty(s.dest.drafts)
}

func TestSyncerSuite(t *testing.T) {
	suite.Run(t, new(SyncerSuite))
}

func TestSortOldestFirstBreaksTiesByID(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []*models.SourceItem{{ID: "100", CreatedAt: at}, {ID: "99", CreatedAt: at}, {ID: "5", CreatedAt: at.Add(-time.Hour)}}
	out := SortOldestFirst(items)
	got := []string{out[0].ID, out[1].ID, out[2].ID}
	if strings.Join(got, ",") != "5,99,100" {
		t.Fatalf("unexpected order %v", got)
	}
}
