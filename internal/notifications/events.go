package notifications

// Event identifies a notification category. Categories map to config toggles
// so operators can silence individual event types.
type Event string

const (
	EventRecordingStarted   Event = "recording_started"
	EventRecordingCompleted Event = "recording_completed"
	EventRecordingFailed    Event = "recording_failed"
	EventProxyDisabled      Event = "proxy_disabled"
	EventPipelineFinished   Event = "pipeline_finished"
	EventError              Event = "error"
	EventTest               Event = "test"
)

// Payload carries the human-facing content of a notification.
type Payload struct {
	Title    string
	Message  string
	Tags     []string
	Priority string
}
