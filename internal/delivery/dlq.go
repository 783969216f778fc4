package delivery

import "time"

const DeadLetterType = "delivery.exhausted"

// DeadLetter is published to the DLQ topic when a delivery runs out of attempts
type DeadLetter struct {
	Type       string `json:"type"`    // "delivery.exhausted"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the letter was emitted
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`
	TargetURL  string `json:"target_url,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Task       Task   `json:"task"`
}

func NewDeadLetter(t Task, targetURL string, httpStatus int, lastErr, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:       DeadLetterType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempts:   t.Attempt,
		TargetURL:  targetURL,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Task:       t,
	}
}
