// Package domain defines the core entities of the transcoding and
// streaming pipeline: jobs, renditions, and the messages that move
// between the intake queue, bitrate queues, and master-playlist queue.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// JobStatus is the lifecycle state of a TranscodingJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// RenditionStatus is the lifecycle state of a single bitrate Rendition.
type RenditionStatus string

const (
	RenditionProcessing RenditionStatus = "processing"
	RenditionCompleted  RenditionStatus = "completed"
	RenditionFailed     RenditionStatus = "failed"
)

// Priority is the intake routing priority. Higher-priority chapters are
// dispatched to dedicated exchange bindings and mapped to a numeric
// broker priority (high=10, normal=5, low=1).
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// NumericPriority maps an intake priority to the numeric broker priority
// used for per-message prioritization.
func (p Priority) NumericPriority() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// StorageProvider identifies which object store backend produced a Rendition's
// artifacts.
type StorageProvider string

const (
	StorageLocal StorageProvider = "local"
	StorageS3    StorageProvider = "s3"
)

// Chapter is the external, opaque entity this system transcodes. Its
// identity and content are owned by an upstream ingestion workflow; this
// system only reads ID and FilePath off it, plus FileSize and UpdatedAt
// for SourceFingerprint.
type Chapter struct {
	ID             string    `json:"id"`
	AudiobookID    string    `json:"audiobook_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	ChapterNumber  int       `json:"chapter_number"`
	Duration       float64   `json:"duration"`
	FilePath       string    `json:"file_path"`
	FileSize       int64     `json:"file_size"`
	StartPosition  float64   `json:"start_position"`
	EndPosition    float64   `json:"end_position"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SourceFingerprint is a cheap content-change signal for the chapter's
// source file, derived from its path, size, and last-modified time rather
// than a hash of the file's bytes: the Intake Worker only ever sees the
// upstream-reported metadata, never the file itself. The Intake Worker
// compares it against the fingerprint stored on the chapter's last
// TranscodingJob to decide whether a completed rendition should be
// treated as stale because the source was replaced, not just re-queued.
func (c Chapter) SourceFingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", c.FilePath, c.FileSize, c.UpdatedAt.UnixNano())))
	return hex.EncodeToString(sum[:])
}

// TranscodingJob tracks one dispatch of a chapter through the pipeline.
// The most-recent-by-CreatedAt row for a ChapterID is the authoritative
// one; a retried intake attempt creates a new row rather than mutating
// the old one (see ListJobsByChapter / LatestJobByChapter).
type TranscodingJob struct {
	ID           string     `json:"id"`
	ChapterID    string     `json:"chapter_id"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Priority     Priority   `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	// SourceHash is the chapter's SourceFingerprint at the time this job
	// was dispatched, used to detect a source file replaced underneath an
	// already-completed rendition.
	SourceHash string `json:"source_hash,omitempty"`
	// TotalBitrates is the B_todo set the Intake Worker dispatched for this
	// job, used by Bitrate Workers to detect when every sibling bitrate has
	// resolved (completed or permanently failed) and the job can transition
	// out of processing.
	TotalBitrates []int      `json:"total_bitrates,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MarkProcessing transitions the job to processing with progress reset.
func (j *TranscodingJob) MarkProcessing(now time.Time) {
	j.Status = JobProcessing
	j.Progress = 0
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkCompleted transitions the job to completed, satisfying the invariant
// that status=completed iff progress=100 and completed_at is set.
func (j *TranscodingJob) MarkCompleted(now time.Time) {
	j.Status = JobCompleted
	j.Progress = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed transitions the job to failed with the given error message.
func (j *TranscodingJob) MarkFailed(now time.Time, message string) {
	j.Status = JobFailed
	j.ErrorMessage = message
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Rendition is the unique (ChapterID, Bitrate) bitrate artifact record.
// status=completed implies the playlist and at least one segment exist
// in the object store at SegmentsPath.
type Rendition struct {
	ChapterID       string          `json:"chapter_id"`
	Bitrate         int             `json:"bitrate"`
	Status          RenditionStatus `json:"status"`
	PlaylistURL     string          `json:"playlist_url,omitempty"`
	SegmentsPath    string          `json:"segments_path,omitempty"`
	StorageProvider StorageProvider `json:"storage_provider,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ChapterTranscodeRequest is the intake message consumed from the
// priority/normal/low exchange bindings.
type ChapterTranscodeRequest struct {
	Chapter    Chapter   `json:"chapter"`
	Bitrates   []int     `json:"bitrates"`
	Priority   Priority  `json:"priority"`
	UserID     string    `json:"user_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageID is the intake message's deduplication identity,
// "{chapter_id}-{epoch_ms}".
func (r ChapterTranscodeRequest) MessageID() string {
	return r.Chapter.ID + "-" + formatEpochMillis(r.Timestamp)
}

// BitrateJob is dispatched by the Intake Worker onto a single bitrate
// queue (BQ_64/128/256) for one (chapter, bitrate) pair.
type BitrateJob struct {
	ID              string   `json:"id"`
	ChapterID       string   `json:"chapter_id"`
	InputPath       string   `json:"input_path"`
	OutputDir       string   `json:"output_dir"`
	Bitrate         int      `json:"bitrate"`
	SegmentDuration int      `json:"segment_duration"`
	UserID          string   `json:"user_id,omitempty"`
	Priority        Priority `json:"priority"`
	Attempt         int      `json:"attempt"`
}

// MasterJob is dispatched by the Intake Worker onto the master-playlist
// queue after at least one bitrate job was enqueued, with a 5s start
// delay so the first bitrate is already underway by the time the Master
// Worker begins polling.
type MasterJob struct {
	ChapterID      string `json:"chapter_id"`
	OutputDir      string `json:"output_dir"`
	VariantBitrates []int `json:"variant_bitrates"`
	Attempt        int    `json:"attempt"`
}

// ChapterDeletion is consumed from the audiobook.chapters.deleted topic.
type ChapterDeletion struct {
	ChapterID string    `json:"chapter_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamingStatus is the derived status returned by the status read-path
// endpoint: a synthesis of the latest job row and the Rendition set, not
// a stored value.
type StreamingStatus string

const (
	StreamingNotStarted StreamingStatus = "not_started"
	StreamingPending    StreamingStatus = "pending"
	StreamingProcessing StreamingStatus = "processing"
	StreamingPartial    StreamingStatus = "partial"
	StreamingCompleted  StreamingStatus = "completed"
	StreamingFailed     StreamingStatus = "failed"
)

func formatEpochMillis(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
