package models

import (
	"fmt"
	"time"
	"unicode/utf8"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
)

// MediaType identifies the kind of media attached to a source item.
type MediaType string

const (
	MediaPhoto       MediaType = "photo"
	MediaVideo       MediaType = "video"
	MediaAnimatedGIF MediaType = "animated_gif"
)

// URLEntity is a link found in the body text, in its shortened and expanded form.
type URLEntity struct {
	Short    string `json:"url"`
	Expanded string `json:"expanded_url"`
}

// MediaSize is one declared size bucket of a media entity (e.g. "large").
type MediaSize struct {
	Name   string
	Width  int
	Height int
}

// VideoVariant is one encoded rendition of a video or animated image.
type VideoVariant struct {
	URL         string
	ContentType string
	Bitrate     int64
}

// MediaEntity describes a photo, video or animated image attached to a source item.
type MediaEntity struct {
	Type        MediaType
	ShortURL    string // link as it appears in the body text
	ExpandedURL string // expanded form of ShortURL
	MediaURL    string // direct download location for photos
	AltText     string
	Width       int // natural dimensions
	Height      int
	Sizes       []MediaSize
	Variants    []VideoVariant
}

// SourceItem is one post read from the source feed. It is never modified
// by the pipeline.
type SourceItem struct {
	ID              string
	Author          string
	Text            string
	FullText        string
	HTML            bool // body is HTML (e.g. Mastodon content) rather than plain text
	CreatedAt       time.Time
	InReplyToID     string
	InReplyToAuthor string
	QuotedID        string
	QuotedURL       string
	URLs            []URLEntity
	Media           []MediaEntity
	Permalink       string
}

// Body returns the longer of the two body fields.
func (i *SourceItem) Body() string {
	if utf8.RuneCountInString(i.FullText) > utf8.RuneCountInString(i.Text) {
		return i.FullText
	}
	return i.Text
}

// URL returns the public location of the item on the source network.
func (i *SourceItem) URL() string {
	if i.Permalink != "" {
		return i.Permalink
	}
	return fmt.Sprintf("https://x.com/%s/status/%s", i.Author, i.ID)
}

// QuotedLocation returns the public location of the quoted item, if any.
func (i *SourceItem) QuotedLocation() string {
	if i.QuotedURL != "" {
		return i.QuotedURL
	}
	if i.QuotedID == "" {
		return ""
	}
	return fmt.Sprintf("https://x.com/i/status/%s", i.QuotedID)
}

// SearchResult is one page returned by a source feed.
type SearchResult struct {
	Items  []*SourceItem
	Cursor string // id to pass as max id for the next (older) page
	// Fetched counts raw statuses on the page, including the reposts
	// filtered out of Items.
	Fetched int
}

// PostRef points at a record on the destination network.
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// IsZero reports whether the reference is unset.
func (r PostRef) IsZero() bool {
	return r.URI == "" && r.CID == ""
}

// MigrationStatus is the recorded outcome of processing one item.
type MigrationStatus string

const (
	StatusMigrated MigrationStatus = "migrated"
	StatusSkipped  MigrationStatus = "skipped"
	StatusFailed   MigrationStatus = "failed"
)

// MigrationRecord is the History Store entry for one (item, destination account) pair.
// Corresponds to the 'migration_history' table in the database.
type MigrationRecord struct {
	ItemID    string          `db:"item_id" json:"item_id"`
	Account   string          `db:"account" json:"account"`
	Status    MigrationStatus `db:"status" json:"status"`
	Post      PostRef         `json:"post"`
	Root      PostRef         `json:"root"`
	External  bool            `db:"external" json:"external"` // inherited from an unmanaged context, never a thread parent
	Reason    string          `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Validate checks the status/reference invariants of a record.
func (r *MigrationRecord) Validate() error {
	if r.ItemID == "" || r.Account == "" {
		return fmt.Errorf("record key incomplete (item %q, account %q)", r.ItemID, r.Account)
	}
	switch r.Status {
	case StatusMigrated:
		if r.Post.URI == "" || r.Root.URI == "" {
			return fmt.Errorf("migrated record %s is missing post or root reference", r.ItemID)
		}
	case StatusSkipped:
		if !r.Post.IsZero() || !r.Root.IsZero() {
			return fmt.Errorf("skipped record %s must not carry references", r.ItemID)
		}
	case StatusFailed:
	default:
		return fmt.Errorf("unknown status %q for record %s", r.Status, r.ItemID)
	}
	return nil
}

// ThreadEligible reports whether later items may reply to or embed this record.
func (r *MigrationRecord) ThreadEligible() bool {
	return r != nil && r.Status == StatusMigrated && !r.External && r.Post.CID != "" && r.Root.CID != ""
}

// SourceConfig describes where a mapping reads items from.
type SourceConfig struct {
	Kind        string   `yaml:"kind"` // "twitter" or "mastodon"
	Identities  []string `yaml:"identities"`
	BaseURL     string   `yaml:"base_url"`
	BearerToken string   `yaml:"bearer_token"`
	AccessToken string   `yaml:"access_token"`
}

// DestinationConfig holds the destination identity and credential set.
type DestinationConfig struct {
	Identifier string `yaml:"identifier"`
	Password   string `yaml:"password"`
	ServiceURL string `yaml:"service_url"`
	VideoURL   string `yaml:"video_url"`
}

// AccountMapping feeds one or more source identities into one destination account.
type AccountMapping struct {
	Name            string            `yaml:"name"`
	Enabled         bool              `yaml:"enabled"`
	Source          SourceConfig      `yaml:"source"`
	Destination     DestinationConfig `yaml:"destination"`
	LastProfileSync time.Time         `yaml:"last_profile_sync,omitempty"`
}

// Account is the History Store account key for the mapping's destination.
func (m *AccountMapping) Account() string {
	return m.Destination.Identifier
}

// BackfillRequest asks the scheduler for a bounded historical import.
type BackfillRequest struct {
	Account    string    `json:"account"`
	Limit      int       `json:"limit"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Seq        uint64    `json:"seq"`
}

// MediaAttachment represents media prepared for a destination post.
// This is an intermediate representation, not stored in the DB.
type MediaAttachment struct {
	URL         string // original location of the media
	Data        []byte
	ContentType string
	Description string // alt text
	Width       int
	Height      int
	Blob        *lexutil.LexBlob
}

// AspectRatio returns the destination aspect ratio, or nil when unknown.
func (m *MediaAttachment) AspectRatio() *appbsky.EmbedDefs_AspectRatio {
	if m.Width <= 0 || m.Height <= 0 {
		return nil
	}
	return &appbsky.EmbedDefs_AspectRatio{Width: int64(m.Width), Height: int64(m.Height)}
}

// VideoJobState is the lifecycle state of an asynchronous video upload.
type VideoJobState string

const (
	VideoSubmitted  VideoJobState = "submitted"
	VideoProcessing VideoJobState = "processing"
	VideoComplete   VideoJobState = "complete"
	VideoFailed     VideoJobState = "failed"
	VideoTimedOut   VideoJobState = "timed-out"
)

// Raw job states reported by the video ingest service.
const (
	JobStateCompleted = "JOB_STATE_COMPLETED"
	JobStateFailed    = "JOB_STATE_FAILED"
)

// VideoJobStatus is one response from the video ingest service.
type VideoJobStatus struct {
	JobID    string
	State    string
	Progress int64
	Blob     *lexutil.LexBlob
	Error    string
	Message  string
}

// Phase maps the raw service state onto the job lifecycle.
func (s *VideoJobStatus) Phase() VideoJobState {
	switch {
	case s.Blob != nil:
		return VideoComplete
	case s.State == JobStateFailed || s.Error != "":
		return VideoFailed
	case s.JobID == "":
		return VideoSubmitted
	default:
		return VideoProcessing
	}
}

// PostDraft is everything needed to create one destination post.
type PostDraft struct {
	Text      string
	Langs     []string
	CreatedAt time.Time
	Embed     *appbsky.FeedPost_Embed
	Reply     *appbsky.FeedPost_ReplyRef
}
