package recordings

import (
	"strings"
	"time"
)

// State represents the lifecycle of a recording.
type State string

const (
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateRecovering State = "recovering"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

var allStates = []State{
	StateStarting,
	StateActive,
	StateRecovering,
	StateCompleted,
	StateFailed,
	StateStopped,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// InProgressStates are the states a supervising task owns. Recordings found
// in one of these at startup are zombies from an unclean shutdown.
var InProgressStates = []State{StateStarting, StateActive, StateRecovering}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a state admits no further capture activity.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	default:
		return false
	}
}

// IsInProgress reports whether a supervising task should own this recording.
func (s State) IsInProgress() bool {
	switch s {
	case StateStarting, StateActive, StateRecovering:
		return true
	default:
		return false
	}
}

// ErrorKind classifies capture failures for the persisted error summary.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindSourceEnded ErrorKind = "source_ended"
	ErrorKindFatal       ErrorKind = "fatal"
)

// PipelineStatus is the post-processing sub-record state on a recording.
// It is mutated only by the pipeline manager; capture fields are mutated
// only by the supervising task.
type PipelineStatus string

const (
	PipelineNone      PipelineStatus = ""
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineSucceeded PipelineStatus = "succeeded"
	PipelineFailed    PipelineStatus = "failed"
)

// Recording is one capture attempt for one stream, persisted in SQLite.
type Recording struct {
	ID             int64
	StreamRef      string
	ProducerRef    string
	State          State
	CurrentSegment int
	CurrentProxyID *int64
	RecoveryCount  int
	LastRecoveryAt *time.Time
	ErrorKind      ErrorKind
	ErrorMessage   string
	PipelineState  PipelineStatus
	PipelineStage  Stage
	StartedAt      time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SetFailed marks the recording failed with the given error summary.
func (r *Recording) SetFailed(kind ErrorKind, message string) {
	r.State = StateFailed
	r.ErrorKind = kind
	r.ErrorMessage = message
	now := time.Now().UTC()
	r.EndedAt = &now
}

// Segment is one continuous output file belonging to a recording. Rows are
// immutable once the capture process backing them exits.
type Segment struct {
	ID            int64
	RecordingID   int64
	SegmentNumber int
	FilePath      string
	ByteSize      int64
	CreatedAt     time.Time
}

// HealthStatus is the probe classification of a proxy endpoint.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// Proxy is a candidate network relay. Lower priority is preferred.
type Proxy struct {
	ID                  int64        `json:"id"`
	URL                 string       `json:"url"`
	Priority            int          `json:"priority"`
	Enabled             bool         `json:"enabled"`
	HealthStatus        HealthStatus `json:"health_status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	AverageLatencyMS    float64      `json:"average_latency_ms"`
	LastCheckedAt       *time.Time   `json:"last_checked_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

// Stage identifies one post-processing pipeline stage.
type Stage string

const (
	StageRemux     Stage = "remux"
	StageMetadata  Stage = "metadata"
	StageChapters  Stage = "chapters"
	StageThumbnail Stage = "thumbnail"
	StageFinalize  Stage = "finalize"
)

// StageOrder is the fixed total order stages execute in per recording.
var StageOrder = []Stage{StageRemux, StageMetadata, StageChapters, StageThumbnail, StageFinalize}

// TaskStatus is the lifecycle of one pipeline task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	// TaskSkipped covers both no-op success (required upstream data absent)
	// and stages abandoned because an earlier stage failed permanently.
	TaskSkipped TaskStatus = "skipped"
)

// Task is one retryable unit of post-processing work. Rows are retained as
// an audit trail and never deleted by the engine.
type Task struct {
	ID           int64
	RecordingID  int64
	Stage        Stage
	Status       TaskStatus
	RetryCount   int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HealthSummary describes aggregated recording counts per key lifecycle states.
type HealthSummary struct {
	Total      int `json:"total"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Stopped    int `json:"stopped"`
}

// RecordingSummary is the read model exposed to the API and CLI.
type RecordingSummary struct {
	ID            int64          `json:"id"`
	StreamRef     string         `json:"stream_ref"`
	ProducerRef   string         `json:"producer_ref"`
	State         State          `json:"state"`
	Segment       int            `json:"segment"`
	ProxyID       *int64         `json:"proxy_id,omitempty"`
	RecoveryCount int            `json:"recovery_count"`
	Pipeline      PipelineStatus `json:"pipeline,omitempty"`
	PipelineStage Stage          `json:"pipeline_stage,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// Summary converts a recording to its read model.
func (r *Recording) Summary() RecordingSummary {
	return RecordingSummary{
		ID:            r.ID,
		StreamRef:     r.StreamRef,
		ProducerRef:   r.ProducerRef,
		State:         r.State,
		Segment:       r.CurrentSegment,
		ProxyID:       r.CurrentProxyID,
		RecoveryCount: r.RecoveryCount,
		Pipeline:      r.PipelineState,
		PipelineStage: r.PipelineStage,
		Error:         r.ErrorMessage,
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
	}
}
