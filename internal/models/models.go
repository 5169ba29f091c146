package models

import (
	"time"
)

type (
	Config struct {
		// Paths
		SavePath     string `toml:"SavePath"`
		DatabasePath string `toml:"DatabasePath"`
		IndexPath    string `toml:"IndexPath"` // Bleve history index

		// Server
		Listen string `toml:"Listen"`

		// Workers / Queue
		Workers        int   `toml:"Workers"`
		QueueCapacity  int   `toml:"QueueCapacity"`
		ChunkSize      int64 `toml:"ChunkSize"`
		PollIntervalMs int   `toml:"PollIntervalMs"`

		// Retry policy
		RetryBaseMs        int `toml:"RetryBaseMs"`
		RetryMaxMs         int `toml:"RetryMaxMs"`
		RetryMaxAttempts   int `toml:"RetryMaxAttempts"`
		ResolveTimeoutSec  int `toml:"ResolveTimeoutSec"`
		TransferTimeoutSec int `toml:"TransferTimeoutSec"`
		ProgressFlushMs    int `toml:"ProgressFlushMs"`

		// Retention
		RetentionHours   int `toml:"RetentionHours"`
		SweepIntervalSec int `toml:"SweepIntervalSec"`

		// Upstream provider
		Provider            ProviderConfig `toml:"Provider"`
		UpstreamTimeoutSec  int            `toml:"UpstreamTimeoutSec"`
		LogUpstreamRequests bool           `toml:"LogUpstreamRequests"`

		// Plans / callers
		DefaultTier string                  `toml:"DefaultTier"`
		Tiers       map[string]PlanLimits   `toml:"Tiers"`
		Callers     map[string]CallerConfig `toml:"Callers"` // keyed by API key

		// Webhooks
		WebhookSecret     string `toml:"WebhookSecret"`
		WebhookTimeoutSec int    `toml:"WebhookTimeoutSec"`
		WebhookDrainSec   int    `toml:"WebhookDrainSec"` // shutdown grace for pending deliveries
	}

	// ProviderConfig is the link grammar accepted by the resolver.
	ProviderConfig struct {
		Schemes     []string `toml:"Schemes"`
		Hosts       []string `toml:"Hosts"`
		PathPattern string   `toml:"PathPattern"`
	}

	// PlanLimits are the ceilings of one subscription tier. Zero means unlimited.
	PlanLimits struct {
		MaxConcurrent   int `toml:"MaxConcurrent" json:"max_concurrent"`
		MaxJobsPerBatch int `toml:"MaxJobsPerBatch" json:"max_jobs_per_batch"`
		DailyJobs       int `toml:"DailyJobs" json:"daily_jobs"`
	}

	CallerConfig struct {
		ID   string `toml:"ID"`
		Tier string `toml:"Tier"`
	}

	// Locator is a caller supplied reference to a remote file.
	Locator struct {
		Raw        string `json:"raw"`
		Normalized string `json:"normalized"`
	}

	Checksum struct {
		Algorithm string `json:"algorithm"` // sha256, blake3 or crc32
		Value     string `json:"value"`
	}

	// FileMetadata is what the resolver learned about a locator.
	FileMetadata struct {
		Name          string    `json:"name"`
		Size          int64     `json:"size"`
		ContentType   string    `json:"content_type"`
		ResolvedAt    time.Time `json:"resolved_at"`
		DownloadURL   string    `json:"download_url"`
		AcceptsRanges bool      `json:"accepts_ranges"`
		Checksum      *Checksum `json:"checksum,omitempty"`
	}

	Job struct {
		ID                  string        `json:"id"`
		BatchID             string        `json:"batch_id,omitempty"`
		CallerID            string        `json:"caller_id"`
		Locator             Locator       `json:"locator"`
		Metadata            *FileMetadata `json:"metadata,omitempty"`
		Priority            Priority      `json:"priority"`
		State               State         `json:"state"`
		PausedFrom          State         `json:"paused_from,omitempty"`
		BytesTransferred    int64         `json:"bytes_transferred"`
		TotalBytes          int64         `json:"total_bytes"`
		CreatedAt           time.Time     `json:"created_at"`
		UpdatedAt           time.Time     `json:"updated_at"`
		FinishedAt          time.Time     `json:"finished_at,omitempty"`
		RetryCount          int           `json:"retry_count"`
		NonResumableRetries int           `json:"non_resumable_retries"`
		LastError           string        `json:"last_error,omitempty"`
		LastErrorCode       string        `json:"last_error_code,omitempty"`
		OutputPath          string        `json:"output_path,omitempty"`
	}

	Batch struct {
		ID          string    `json:"id"`
		CallerID    string    `json:"caller_id"`
		JobIDs      []string  `json:"job_ids"`
		CreatedAt   time.Time `json:"created_at"`
		CallbackURL string    `json:"callback_url,omitempty"`
		NotifiedAt  time.Time `json:"notified_at,omitempty"`
	}

	// JobSnapshot is the read-only view returned to callers.
	JobSnapshot struct {
		Job
		Speed   float64    `json:"speed_bps"`
		Percent int        `json:"percent"`
		ETA     *time.Time `json:"eta,omitempty"`
	}

	BatchStatus struct {
		BatchID             string     `json:"batch_id"`
		Total               int        `json:"total"`
		Queued              int        `json:"queued"`
		InProgress          int        `json:"in_progress"`
		Paused              int        `json:"paused"`
		Completed           int        `json:"completed"`
		Failed              int        `json:"failed"`
		Cancelled           int        `json:"cancelled"`
		BytesTransferred    int64      `json:"aggregate_bytes_transferred"`
		BytesTotal          int64      `json:"aggregate_bytes_total"`
		Speed               float64    `json:"aggregate_speed_bps"`
		EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
		Done                bool       `json:"done"`
	}

	Event struct {
		Type      EventType    `json:"type"`
		JobID     string       `json:"job_id,omitempty"`
		BatchID   string       `json:"batch_id,omitempty"`
		State     State        `json:"state,omitempty"`
		Job       *JobSnapshot `json:"job,omitempty"`
		Batch     *BatchStatus `json:"batch,omitempty"`
		Timestamp time.Time    `json:"timestamp"`
	}
)

type EventType string

const (
	EventJobState       EventType = "job.state"
	EventJobProgress    EventType = "job.progress"
	EventBatchCompleted EventType = "batch.completed"
)

// Priority orders queued jobs; higher values are admitted first. The zero
// value is PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts "low", "normal", "high" and the empty string (normal).
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "", "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	}
	return PriorityNormal, false
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, _ := ParsePriority(string(b))
	*p = v
	return nil
}
