package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a client session.
// Succeeded and Failed are terminal.
type SessionStatus string

const (
	StatusUnknown   SessionStatus = "unknown"
	StatusWaiting   SessionStatus = "waiting"
	StatusRunning   SessionStatus = "running"
	StatusSucceeded SessionStatus = "succeeded"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// SessionRecord is the persisted shape of a session.
type SessionRecord struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id,omitempty"`
	Name            string        `json:"name"`
	DC              string        `json:"dc"`
	EndpointIP      string        `json:"endpoint_ip,omitempty"`
	EndpointName    string        `json:"endpoint_name,omitempty"`
	SeleniumSession string        `json:"selenium_session,omitempty"`
	TakeScreenshot  bool          `json:"take_screenshot"`
	RunScript       string        `json:"run_script,omitempty"`
	Status          SessionStatus `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	Error           string        `json:"error,omitempty"`
	TimedOut        bool          `json:"timed_out"`
	Closed          bool          `json:"closed"`
	Created         time.Time     `json:"created"`
	Modified        time.Time     `json:"modified"`
	Deleted         *time.Time    `json:"deleted,omitempty"`
}

// DesiredCapabilities is the subset of the WebDriver desiredCapabilities
// object the proxy interprets. Everything else passes through untouched.
type DesiredCapabilities struct {
	Platform       string          `json:"platform"`
	Name           string          `json:"name"`
	User           string          `json:"user"`
	TakeScreenshot bool            `json:"takeScreenshot"`
	RunScript      json.RawMessage `json:"runScript"`
}

// LogStep is one recorded request or response on the wire, in order.
type LogStep struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"session_id"`
	ControlLine string    `json:"control_line"`
	Body        string    `json:"body,omitempty"`
	Screenshot  string    `json:"screenshot,omitempty"`
	Created     time.Time `json:"created"`
}

// SubStep is a provider-internal sub-event attached to a LogStep.
type SubStep struct {
	ID          int64     `json:"id"`
	LogStepID   int64     `json:"session_log_step_id"`
	ControlLine string    `json:"control_line"`
	Body        string    `json:"body,omitempty"`
	Created     time.Time `json:"created"`
}

// Platform is an immutable descriptor of a source image, discovered from a
// provider at startup.
type Platform struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
	Node string `json:"node"`
}
