package events

import (
	"fmt"
	"time"
)

// Kind classifies a Record.
type Kind string

const (
	KindInfo           Kind = "info"
	KindSuccess        Kind = "success"
	KindError          Kind = "error"
	KindWarning        Kind = "warning"
	KindDecisionPrompt Kind = "decision_prompt"
	// KindGap marks records dropped for a lagging subscriber.
	KindGap Kind = "gap"
)

// Valid reports whether k may be published. Gap markers are synthetic only.
func (k Kind) Valid() bool {
	switch k {
	case KindInfo, KindSuccess, KindError, KindWarning, KindDecisionPrompt:
		return true
	}
	return false
}

// Record is one event in a task feed.
type Record struct {
	TaskID    string         `json:"task_id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds a record of any publishable kind.
func New(kind Kind, format string, args ...any) Record {
	return Record{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Info builds an info record.
func Info(format string, args ...any) Record {
	return Record{Kind: KindInfo, Message: fmt.Sprintf(format, args...)}
}

// Warning builds a warning record.
func Warning(format string, args ...any) Record {
	return Record{Kind: KindWarning, Message: fmt.Sprintf(format, args...)}
}

// WithPayload returns r carrying payload.
func (r Record) WithPayload(payload map[string]any) Record {
	r.Payload = payload
	return r
}

// Gap describes a run of dropped records.
type Gap struct {
	From    uint64
	To      uint64
	Dropped int
}

// GapInfo extracts the dropped range from a gap marker.
func (r Record) GapInfo() (Gap, bool) {
	if r.Kind != KindGap {
		return Gap{}, false
	}
	g := Gap{}
	if v, ok := r.Payload["from"].(uint64); ok {
		g.From = v
	}
	if v, ok := r.Payload["to"].(uint64); ok {
		g.To = v
	}
	if v, ok := r.Payload["dropped"].(int); ok {
		g.Dropped = v
	}
	return g, true
}

func newGap(taskID string, dropped Record) Record {
	return Record{
		TaskID:    taskID,
		Sequence:  dropped.Sequence,
		Timestamp: dropped.Timestamp,
		Kind:      KindGap,
		Message:   "subscriber fell behind; records dropped",
		Payload: map[string]any{
			"from":    dropped.Sequence,
			"to":      dropped.Sequence,
			"dropped": 1,
		},
	}
}

// extendGap folds another dropped record into gap.
func extendGap(gap *Record, dropped Record) {
	n, _ := gap.Payload["dropped"].(int)
	gap.Sequence = dropped.Sequence
	gap.Timestamp = dropped.Timestamp
	gap.Payload = map[string]any{
		"from":    gap.Payload["from"],
		"to":      dropped.Sequence,
		"dropped": n + 1,
	}
}
