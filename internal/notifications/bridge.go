package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"strand/internal/logging"
	"strand/internal/recordings"
)

// Broadcaster pushes recording state changes to connected event listeners.
// Delivery is fire-and-forget: slow listeners are the hub's problem.
type Broadcaster interface {
	BroadcastStateChange(change StateChange)
}

// StateChange is the event payload fanned out to listeners.
type StateChange struct {
	Recording recordings.RecordingSummary `json:"recording"`
	Previous  recordings.State            `json:"previous_state"`
}

// SegmentSource provides segment rows so completion events can report how
// much data a recording captured.
type SegmentSource interface {
	SegmentsForRecording(ctx context.Context, recordingID int64) ([]*recordings.Segment, error)
}

// Bridge translates recording state transitions into push notifications and
// listener events. Both deliveries are best effort; a notification failure is
// logged and never affects the recording.
type Bridge struct {
	service     Service
	broadcaster Broadcaster
	segments    SegmentSource
	logger      *slog.Logger
}

// NewBridge wires the dispatch bridge. Any dependency may be nil, which
// disables that delivery path or detail.
func NewBridge(service Service, broadcaster Broadcaster, segments SegmentSource, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{
		service:     service,
		broadcaster: broadcaster,
		segments:    segments,
		logger:      logger.With(logging.String(logging.FieldComponent, "notify-bridge")),
	}
}

// OnRecordingStateChanged reacts to one persisted state transition.
func (b *Bridge) OnRecordingStateChanged(ctx context.Context, rec *recordings.Recording, previous recordings.State) {
	if b == nil || rec == nil || rec.State == previous {
		return
	}

	if b.broadcaster != nil {
		b.broadcaster.BroadcastStateChange(StateChange{
			Recording: rec.Summary(),
			Previous:  previous,
		})
	}

	if b.service == nil {
		return
	}
	event, payload, ok := reaction(rec, previous)
	if !ok {
		return
	}
	if event == EventRecordingCompleted {
		payload.Message = b.completionMessage(ctx, rec)
	}
	if err := b.service.Publish(ctx, event, payload); err != nil {
		b.logger.Warn("notification delivery failed",
			logging.Error(err),
			logging.Int64(logging.FieldRecordingID, rec.ID),
			logging.String(logging.FieldEventType, string(event)))
	}
}

// NotifyProxyDisabled reports that a proxy was auto-disabled by the monitor.
func (b *Bridge) NotifyProxyDisabled(ctx context.Context, proxy *recordings.Proxy) {
	if b == nil || b.service == nil || proxy == nil {
		return
	}
	payload := Payload{
		Title:    "Strand - Proxy Disabled",
		Message:  fmt.Sprintf("Proxy %s disabled after %d consecutive failures", proxy.URL, proxy.ConsecutiveFailures),
		Tags:     []string{"strand", "proxy", "disabled"},
		Priority: "high",
	}
	if err := b.service.Publish(ctx, EventProxyDisabled, payload); err != nil {
		b.logger.Warn("notification delivery failed",
			logging.Error(err),
			logging.Int64(logging.FieldProxyID, proxy.ID),
			logging.String(logging.FieldEventType, string(EventProxyDisabled)))
	}
}

// NotifyPipelineFinished reports a pipeline outcome, including partial
// success where some stages failed or were skipped.
func (b *Bridge) NotifyPipelineFinished(ctx context.Context, rec *recordings.Recording, failedStage recordings.Stage) {
	if b == nil || b.service == nil || rec == nil {
		return
	}
	var payload Payload
	if rec.PipelineState == recordings.PipelineSucceeded {
		payload = Payload{
			Title:   "Strand - Post-Processing Complete",
			Message: fmt.Sprintf("Post-processing complete: %s", rec.StreamRef),
			Tags:    []string{"strand", "pipeline", "completed"},
		}
	} else {
		payload = Payload{
			Title:    "Strand - Post-Processing Incomplete",
			Message:  fmt.Sprintf("Post-processing stopped at %s for %s; recording retained", failedStage, rec.StreamRef),
			Tags:     []string{"strand", "pipeline", "failed"},
			Priority: "high",
		}
	}
	if err := b.service.Publish(ctx, EventPipelineFinished, payload); err != nil {
		b.logger.Warn("notification delivery failed",
			logging.Error(err),
			logging.Int64(logging.FieldRecordingID, rec.ID),
			logging.String(logging.FieldEventType, string(EventPipelineFinished)))
	}
}

// completionMessage reports segment count plus total size and capture
// duration where known.
func (b *Bridge) completionMessage(ctx context.Context, rec *recordings.Recording) string {
	details := []string{fmt.Sprintf("%d segments", rec.CurrentSegment)}
	if b.segments != nil {
		if segs, err := b.segments.SegmentsForRecording(ctx, rec.ID); err == nil {
			var total int64
			for _, seg := range segs {
				total += seg.ByteSize
			}
			if total > 0 {
				details = append(details, formatBytes(total))
			}
		}
	}
	if rec.EndedAt != nil {
		if d := rec.EndedAt.Sub(rec.StartedAt).Round(time.Second); d > 0 {
			details = append(details, d.String())
		}
	}
	return fmt.Sprintf("Recording complete: %s (%s)", rec.StreamRef, strings.Join(details, ", "))
}

func formatBytes(n int64) string {
	const (
		mib = int64(1) << 20
		gib = int64(1) << 30
	)
	if n >= gib {
		return fmt.Sprintf("%.1f GiB", float64(n)/float64(gib))
	}
	return fmt.Sprintf("%.1f MiB", float64(n)/float64(mib))
}

func reaction(rec *recordings.Recording, previous recordings.State) (Event, Payload, bool) {
	switch rec.State {
	case recordings.StateActive:
		// Recovery re-entries into active are routine; only announce the
		// first activation.
		if previous != recordings.StateStarting {
			return "", Payload{}, false
		}
		return EventRecordingStarted, Payload{
			Title:   "Strand - Recording Started",
			Message: fmt.Sprintf("Recording started: %s", rec.StreamRef),
			Tags:    []string{"strand", "recording", "started"},
		}, true
	case recordings.StateFailed:
		return EventRecordingFailed, Payload{
			Title:    "Strand - Recording Failed",
			Message:  fmt.Sprintf("Recording failed: %s (%s)", rec.StreamRef, rec.ErrorMessage),
			Tags:     []string{"strand", "recording", "failed"},
			Priority: "high",
		}, true
	case recordings.StateCompleted, recordings.StateStopped:
		return EventRecordingCompleted, Payload{
			Title:   "Strand - Recording Complete",
			Message: fmt.Sprintf("Recording complete: %s (%d segments)", rec.StreamRef, rec.CurrentSegment),
			Tags:    []string{"strand", "recording", "completed"},
		}, true
	default:
		return "", Payload{}, false
	}
}
