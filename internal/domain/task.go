package domain

import (
	"crypto/md5"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType categorizes a unit of background work. The type determines
// the default step list used for progress-percentage math.
type TaskType string

// Known task types.
const (
	TaskTypeScraping           TaskType = "scraping"
	TaskTypeContentAnalysis    TaskType = "content_analysis"
	TaskTypeDataExtraction     TaskType = "data_extraction"
	TaskTypeVideoGeneration    TaskType = "video_generation"
	TaskTypeFinalizeShort      TaskType = "finalize_short"
	TaskTypeImageAnalysis      TaskType = "image_analysis"
	TaskTypeScenarioGeneration TaskType = "scenario_generation"
	TaskTypeSaveScenario       TaskType = "save_scenario"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Possible task status values.
//
// TaskStatusTimeout is part of the persisted enumeration but is never
// produced by any Manager transition; only a direct store mutation by an
// external caller can set it.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// TaskPriority is stored on every task. It is not consulted by any
// scheduling path; execution order is submission order per dispatched
// goroutine.
type TaskPriority string

// Possible task priority values.
const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityNormal TaskPriority = "normal"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// DefaultMaxRetries is applied to tasks that do not override it.
const DefaultMaxRetries = 3

// defaultSteps maps task types to the named steps a work function is
// expected to report. len(steps) seeds TotalSteps at creation.
var defaultSteps = map[TaskType][]string{
	TaskTypeScraping: {
		"Initializing",
		"Fetching page content",
		"Detecting e-commerce platform",
		"Creating platform-specific extractor",
		"Extracting product information",
		"Finalizing results",
	},
	TaskTypeContentAnalysis: {
		"Initializing",
		"Processing content",
		"Performing analysis",
		"Generating insights",
		"Finalizing results",
	},
	TaskTypeDataExtraction: {
		"Initializing",
		"Connecting to data source",
		"Extracting data",
		"Processing extracted data",
		"Formatting output",
		"Finalizing results",
	},
	TaskTypeVideoGeneration: {
		"Initializing",
		"Downloading media files",
		"Processing media content",
		"Applying transformations",
		"Encoding output",
		"Finalizing results",
	},
	TaskTypeFinalizeShort: {
		"Initializing",
		"Fetching video scenes",
		"Generating thumbnail",
		"Downloading videos",
		"Merging videos",
		"Adding watermark (if needed)",
		"Upscaling video (if requested)",
		"Uploading final video",
		"Finalizing results",
	},
}

// DefaultSteps returns the named step list for a task type. Types
// without a registered list get a single unnamed step.
func DefaultSteps(t TaskType) []string {
	if steps, ok := defaultSteps[t]; ok {
		return steps
	}
	return []string{""}
}

// Task is the record for one unit of asynchronous work and its evolving
// state. A task lives on exactly one backend (durable or fallback) for
// its whole lifetime.
type Task struct {
	TaskID        string         `json:"task_id"`
	TaskType      TaskType       `json:"task_type"`
	TaskStatus    TaskStatus     `json:"task_status"`
	StatusMessage string         `json:"task_status_message"`
	Metadata      map[string]any `json:"task_metadata"`
	Priority      TaskPriority   `json:"task_priority"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Progress        float64 `json:"progress"`
	TotalSteps      int     `json:"total_steps"`
	CurrentStep     int     `json:"current_step"`
	CurrentStepName string  `json:"current_step_name"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`

	// Convenience mirrors of common metadata keys, kept for fast
	// filtering on the durable backend.
	URL       string `json:"url,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// NewTask builds a queued task record with defaults applied. Metadata is
// copied so the caller's map is never aliased.
func NewTask(taskType TaskType, metadata map[string]any) *Task {
	now := time.Now().UTC()

	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	url, _ := meta["url"].(string)

	return &Task{
		TaskID:        NewTaskID(string(taskType)),
		TaskType:      taskType,
		TaskStatus:    TaskStatusQueued,
		StatusMessage: "Task created and queued",
		Metadata:      meta,
		Priority:      TaskPriorityNormal,
		CreatedAt:     now,
		UpdatedAt:     now,
		TotalSteps:    len(DefaultSteps(taskType)),
		MaxRetries:    DefaultMaxRetries,
		URL:           url,
	}
}

// NewTaskID derives an opaque unique task identifier from a
// caller-supplied seed. The seed is salted with a random UUID before
// hashing so concurrent callers with identical seeds and timestamps
// still receive distinct ids.
func NewTaskID(seed string) string {
	sum := md5.Sum([]byte(seed + uuid.NewString()))
	return fmt.Sprintf("task_%x_%d", sum, time.Now().UTC().UnixNano())
}

// Clone returns a deep copy of the task. The metadata map is copied so
// mutations on the clone never leak into the original record.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t

	clone.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		clone.Metadata[k] = v
	}

	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

// Validate checks the structural invariants of a task record.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id must not be empty")
	}
	if t.TaskType == "" {
		return fmt.Errorf("task_type must not be empty")
	}
	if t.TaskStatus == "" {
		return fmt.Errorf("task_status must not be empty")
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("progress must be within [0, 100], got %v", t.Progress)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}
