package surveyor

import "time"

// Event kinds published on the run event bus. The values appear
// verbatim as the `type` field of WebSocket frames.
const (
	EventAuditStarted     = "AuditStarted"
	EventPageQueued       = "PageQueued"
	EventPageStarted      = "PageStarted"
	EventAuditAttached    = "AuditAttached"
	EventAuditFinished    = "AuditFinished"
	EventPageFinished     = "PageFinished"
	EventPageError        = "PageError"
	EventPageRetry        = "PageRetry"
	EventPageSkipped      = "PageSkipped"
	EventPageRedirected   = "PageRedirected"
	EventAuditCompleted   = "AuditCompleted"
	EventLaggedSubscriber = "LaggedSubscriber"
)

// URLTask states.
const (
	StateQueued     = "queued"
	StateRunning    = "running"
	StateFinished   = "finished"
	StateErrored    = "errored"
	StateSkipped    = "skipped"
	StateRedirected = "redirected"
)

// Event is a value-type lifecycle record. Payload fields are flat;
// only the ones meaningful for the kind are set.
type Event struct {
	RunID     string    `json:"runId"`
	URL       string    `json:"url,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Module       string     `json:"module,omitempty"`       // AuditAttached, AuditFinished
	Reason       string     `json:"reason,omitempty"`       // PageError, PageSkipped
	Attempt      int        `json:"attempt,omitempty"`      // PageRetry
	DelayMs      int64      `json:"delayMs,omitempty"`      // PageRetry
	To           string     `json:"to,omitempty"`           // PageRedirected
	Counts       *RunCounts `json:"counts,omitempty"`       // AuditCompleted
	DroppedCount int64      `json:"droppedCount,omitempty"` // LaggedSubscriber
	Terminal     bool       `json:"terminal,omitempty"`     // set on terminal PageError
}

// ConnectionAck is the first frame sent on every WebSocket connection.
type ConnectionAck struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
