package jenkins

import "fmt"

// TriggerError means a job could not be started: the server refused the
// request or returned no queue location.
type TriggerError struct {
	Job        string
	StatusCode int
	Reason     string
}

func (e *TriggerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("trigger %s: %s (HTTP %d)", e.Job, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("trigger %s: %s", e.Job, e.Reason)
}

// QueueCancelledError means the build system cancelled a queued request
// before it was assigned an executor.
type QueueCancelledError struct {
	QueueURL string
	Why      string
}

func (e *QueueCancelledError) Error() string {
	if e.Why != "" {
		return fmt.Sprintf("queue item %s cancelled: %s", e.QueueURL, e.Why)
	}
	return fmt.Sprintf("queue item %s cancelled", e.QueueURL)
}

// UpstreamParseError means a response matched none of the known shapes.
type UpstreamParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *UpstreamParseError) Error() string {
	msg := "unrecognised response"
	if e.URL != "" {
		msg += " from " + e.URL
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamParseError) Unwrap() error { return e.Err }

// statusError is a non-2xx response from the build system.
type statusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}
