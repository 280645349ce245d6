// Package domain defines the persistence models for the review pipeline:
// resources, reviews and their AI insights, the tag vocabulary, reply drafts,
// brand-voice identities, and the coordination tables (jobs, cursors, locks,
// run history). These types are mapped with GORM and shared across the
// repository and service layers.
package domain

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Review processing statuses.
const (
	ReviewStatusNew      = "new"
	ReviewStatusAnalyzed = "analyzed"
	ReviewStatusSkipped  = "skipped"
	ReviewStatusError    = "error"
)

// Sentiment classes produced by analysis.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
	SentimentMixed    = "mixed"
)

// Tag categories. The set is closed; analysis output outside it is rejected.
var TagCategories = []string{
	"service", "product", "price", "cleanliness", "staff",
	"wait_time", "ambience", "location", "other",
}

// Resource is a business entity (e.g. one physical location) whose reviews are
// pulled from the external review API.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - OwnerID: tenant owning the resource.
//   - ExternalName: opaque resource name understood by the review API; unique.
//   - Active: inactive resources are ignored by "all resources" runs.
type Resource struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	OwnerID      string    `json:"owner_id"      gorm:"type:varchar(64);not null;index"`
	ExternalName string    `json:"external_name" gorm:"type:varchar(255);not null;uniqueIndex"`
	DisplayName  string    `json:"display_name"  gorm:"type:varchar(255)"`
	Active       bool      `json:"active"        gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for Resource.
func (Resource) TableName() string { return "resources" }

// Review is one customer review merged from the external API.
// The tuple (owner_id, resource_id, external_review_id) is unique; the sync
// worker upserts on it so replays never create duplicates.
type Review struct {
	ID               string     `json:"id"                 gorm:"type:char(36);primaryKey"`
	OwnerID          string     `json:"owner_id"           gorm:"type:varchar(64);not null;uniqueIndex:ux_review_source,priority:1"`
	ResourceID       string     `json:"resource_id"        gorm:"type:char(36);not null;uniqueIndex:ux_review_source,priority:2;index:idx_review_resource_time,priority:1"`
	ExternalReviewID string     `json:"external_review_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_review_source,priority:3"`
	Rating           *int       `json:"rating,omitempty"`
	Comment          *string    `json:"comment,omitempty"  gorm:"type:text"`
	AuthorName       string     `json:"author_name"        gorm:"type:varchar(255)"`
	SourceCreatedAt  time.Time  `json:"source_created_at"`
	SourceUpdatedAt  time.Time  `json:"source_updated_at"  gorm:"index:idx_review_resource_time,priority:2"`
	ReplyText        *string    `json:"reply_text,omitempty" gorm:"type:text"`
	ReplyUpdatedAt   *time.Time `json:"reply_updated_at,omitempty"`
	Status           string     `json:"status"             gorm:"type:varchar(16);not null;default:'new'"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Review.
func (Review) TableName() string { return "reviews" }

// HasText reports whether the review carries a non-blank comment.
func (r Review) HasText() bool {
	return r.Comment != nil && strings.TrimSpace(*r.Comment) != ""
}

// HasReply reports whether a human reply is already published upstream.
func (r Review) HasReply() bool { return r.ReplyText != nil && *r.ReplyText != "" }

// Insight is the AI analysis of one review. It is keyed by review id and
// overwritten on reprocessing.
type Insight struct {
	ReviewID   string         `json:"review_id"  gorm:"type:char(36);primaryKey"`
	Sentiment  string         `json:"sentiment"  gorm:"type:varchar(16);not null"`
	Score      float64        `json:"score"      gorm:"not null"`
	Summary    string         `json:"summary"    gorm:"type:text"`
	Topics     datatypes.JSON `json:"topics"`
	Model      string         `json:"model"      gorm:"type:varchar(128)"`
	AnalyzedAt time.Time      `json:"analyzed_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Insight.
func (Insight) TableName() string { return "review_insights" }

// Tag is a global vocabulary entry. Normalized is the case-folded,
// accent-stripped form and is unique.
type Tag struct {
	ID         string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Normalized string    `json:"normalized" gorm:"type:varchar(128);not null;uniqueIndex"`
	Label      string    `json:"label"      gorm:"type:varchar(128);not null"`
	Category   string    `json:"category"   gorm:"type:varchar(32);not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Tag.
func (Tag) TableName() string { return "tags" }

// ReviewTag links a review to a tag it surfaced.
type ReviewTag struct {
	ReviewID   string    `json:"review_id"  gorm:"type:char(36);primaryKey"`
	TagID      string    `json:"tag_id"     gorm:"type:char(36);primaryKey;index"`
	Polarity   string    `json:"polarity"   gorm:"type:varchar(16);not null"`
	Confidence float64   `json:"confidence" gorm:"not null"`
	Evidence   string    `json:"evidence"   gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for ReviewTag.
func (ReviewTag) TableName() string { return "review_tags" }

// Draft modes and statuses.
const (
	DraftModeDraft      = "draft"
	DraftModeAutomation = "automation"
	DraftModeTest       = "test"

	DraftStatusDraft  = "draft"
	DraftStatusEdited = "edited"
	DraftStatusSent   = "sent"
)

// ReplyDraft is the generated reply for a review. Once a human has edited
// or sent it, regeneration must leave it untouched.
type ReplyDraft struct {
	ReviewID     string    `json:"review_id"     gorm:"type:char(36);primaryKey"`
	Text         string    `json:"text"          gorm:"type:text;not null"`
	Mode         string    `json:"mode"          gorm:"type:varchar(16);not null"`
	Status       string    `json:"status"        gorm:"type:varchar(16);not null;default:'draft'"`
	IdentityHash string    `json:"identity_hash" gorm:"type:char(64);not null"`
	Model        string    `json:"model"         gorm:"type:varchar(128)"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for ReplyDraft.
func (ReplyDraft) TableName() string { return "reply_drafts" }

// Protected reports whether a human has taken ownership of the draft.
func (d ReplyDraft) Protected() bool {
	return d.Status == DraftStatusEdited || d.Status == DraftStatusSent
}

// VoiceIdentity is a brand-voice configuration. An empty ResourceID marks the
// owner-wide default.
type VoiceIdentity struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OwnerID        string         `json:"owner_id"        gorm:"type:varchar(64);not null;uniqueIndex:ux_identity_scope,priority:1"`
	ResourceID     string         `json:"resource_id"     gorm:"type:varchar(36);not null;default:'';uniqueIndex:ux_identity_scope,priority:2"`
	Tone           string         `json:"tone"            gorm:"type:varchar(64)"`
	Formality      string         `json:"formality"       gorm:"type:varchar(16)"`
	UseEmojis      bool           `json:"use_emojis"`
	ForbiddenWords datatypes.JSON `json:"forbidden_words"`
	Context        string         `json:"context"         gorm:"type:text"`
	Signature      string         `json:"signature"       gorm:"type:varchar(255)"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName returns the database table name for VoiceIdentity.
func (VoiceIdentity) TableName() string { return "voice_identities" }

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobError      = "error"
)

// JobKindAnalyze is the only job kind produced today.
const JobKindAnalyze = "analyze_review"

// Job is a queued unit of analysis work.
//
// ActiveKey holds the review id while the job is pending or processing and is
// NULL otherwise; its unique index guarantees at most one active job per review.
// ClaimToken identifies the claim batch that moved the job to processing.
type Job struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	Kind       string         `json:"kind"        gorm:"type:varchar(32);not null"`
	ReviewID   string         `json:"review_id"   gorm:"type:char(36);not null;index"`
	ResourceID string         `json:"resource_id" gorm:"type:char(36);not null;index:idx_jobs_claim,priority:1"`
	Status     string         `json:"status"      gorm:"type:varchar(16);not null;index:idx_jobs_claim,priority:2"`
	ActiveKey  *string        `json:"-"           gorm:"type:char(36);uniqueIndex"`
	ClaimToken *string        `json:"-"           gorm:"type:char(36);index"`
	Payload    datatypes.JSON `json:"payload"`
	Attempts   int            `json:"attempts"    gorm:"not null;default:0"`
	LastError  *string        `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt  time.Time      `json:"created_at"  gorm:"index:idx_jobs_claim,priority:3"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }

// JobPayload is the JSON body carried by analysis jobs.
type JobPayload struct {
	ReviewID   string `json:"review_id"`
	OwnerID    string `json:"owner_id"`
	ResourceID string `json:"resource_id"`
}

// Cursor is the durable checkpoint of one stream.
type Cursor struct {
	StreamKey      string    `json:"stream_key"       gorm:"type:varchar(255);primaryKey"`
	LastSourceTime time.Time `json:"last_source_time"`
	LastItemID     string    `json:"last_item_id"     gorm:"type:varchar(255)"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Cursor.
func (Cursor) TableName() string { return "cursors" }

// Lock is a time-limited lease on a resource. Version increments on every
// takeover so reclaiming a stale lease is a compare-and-swap.
type Lock struct {
	ResourceKey string    `json:"resource_key" gorm:"type:varchar(255);primaryKey"`
	Holder      string    `json:"holder"       gorm:"type:varchar(64);not null"`
	AcquiredAt  time.Time `json:"acquired_at"  gorm:"not null;index"`
	Version     int64     `json:"version"      gorm:"not null;default:1"`
}

// TableName returns the database table name for Lock.
func (Lock) TableName() string { return "locks" }

// Run statuses.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunAborted = "aborted"
	RunSkipped = "skipped"
	RunFailed  = "failed"
)

// RunRecord is the history row appended for each trigger invocation.
type RunRecord struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	Scope      string         `json:"scope"       gorm:"type:varchar(255);not null"`
	Mode       string         `json:"mode"        gorm:"type:varchar(16);not null"`
	Trigger    string         `json:"trigger"     gorm:"type:varchar(16);not null"`
	Status     string         `json:"status"      gorm:"type:varchar(16);not null;index"`
	StartedAt  time.Time      `json:"started_at"  gorm:"not null;index"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Processed  int            `json:"processed"`
	Tagged     int            `json:"tagged"`
	Drafted    int            `json:"drafted"`
	Errors     int            `json:"errors"`
	Aborted    bool           `json:"aborted"`
	SkipReason *string        `json:"skip_reason,omitempty" gorm:"type:varchar(255)"`
	Metadata   datatypes.JSON `json:"metadata"`
}

// TableName returns the database table name for RunRecord.
func (RunRecord) TableName() string { return "run_history" }

// Position is an ordered point in a review stream: source time first, then
// item id as tiebreak.
type Position struct {
	Time time.Time
	ID   string
}

// IsZero reports whether p is the beginning of the stream.
func (p Position) IsZero() bool { return p.Time.IsZero() && p.ID == "" }

// After reports whether p sorts strictly after o.
func (p Position) After(o Position) bool {
	if !p.Time.Equal(o.Time) {
		return p.Time.After(o.Time)
	}
	return p.ID > o.ID
}

// Position returns the checkpoint stored in the cursor.
func (c Cursor) Position() Position {
	return Position{Time: c.LastSourceTime, ID: c.LastItemID}
}
