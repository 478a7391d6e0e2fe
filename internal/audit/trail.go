// Package audit keeps an append-only JSON-lines record of who started, approved,
// rejected and finished each workflow.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pipeline-works/contentflow/internal/config"
	"github.com/pipeline-works/contentflow/internal/eventbus"
)

// Record is one line of the trail.
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	Event      string         `json:"event"`
	WorkflowID string         `json:"workflow_id"`
	RequestID  string         `json:"request_id,omitempty"`
	Step       string         `json:"step,omitempty"`
	Decision   string         `json:"decision,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	State      string         `json:"state,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// audited lists the event types that reach the trail. Step events are not
// audited.
var audited = map[eventbus.EventType]bool{
	eventbus.EventTypeWorkflowStarted:   true,
	eventbus.EventTypeWorkflowCompleted: true,
	eventbus.EventTypeWorkflowFailed:    true,
	eventbus.EventTypeApprovalRequested: true,
	eventbus.EventTypeApprovalResolved:  true,
}

// Trail writes audit records. It is an eventbus.Publisher so the engine and the
// approval gate feed it the same events they put on the bus.
type Trail struct {
	mu  sync.Mutex
	out io.WriteCloser
}

var _ eventbus.Publisher = (*Trail)(nil)

// New opens a size-rotated trail. It returns nil when the trail is disabled.
func New(cfg config.AuditConfig) (*Trail, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return NewWithWriter(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}), nil
}

// NewWithWriter writes records to w.
func NewWithWriter(w io.WriteCloser) *Trail {
	return &Trail{out: w}
}

func (t *Trail) Publish(ctx context.Context, e *eventbus.Event) error {
	if !audited[e.Type] {
		return nil
	}
	return t.Write(recordFor(e))
}

// Write appends one record.
func (t *Trail) Write(r *Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(line); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Close()
}

func recordFor(e *eventbus.Event) *Record {
	r := &Record{
		Timestamp:  e.Timestamp,
		Event:      string(e.Type),
		WorkflowID: str(e.Data, "workflow_id"),
		TraceID:    e.TraceID,
	}

	switch e.Type {
	case eventbus.EventTypeApprovalRequested, eventbus.EventTypeApprovalResolved:
		r.RequestID = str(e.Data, "request_id")
		r.Step = str(e.Data, "step")
		r.Decision = str(e.Data, "decision")
		r.Actor = str(e.Data, "decided_by")
		r.Reason = str(e.Data, "reason")
		if e.Type == eventbus.EventTypeApprovalRequested {
			r.Details = map[string]any{"expires_at": e.Data["expires_at"]}
		}
	default:
		r.State = str(e.Data, "state")
		if e.Type == eventbus.EventTypeWorkflowStarted {
			r.Actor = str(e.Data, "triggered_by")
		}
		r.Reason = str(e.Data, "failure_reason")
		r.Details = map[string]any{
			"kind":       e.Data["kind"],
			"total_cost": e.Data["total_cost"],
		}
		if steps, ok := e.Data["steps_completed"]; ok {
			r.Details["steps_completed"] = steps
		}
	}
	return r
}

func str(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
