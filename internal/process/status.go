package process

import "time"

// Status is a point-in-time view of a Record, used for dumps and the admin API.
type Status struct {
	PID        int       `json:"pid"`
	Requests   int       `json:"requests"`
	Idle       bool      `json:"idle"`
	LastActive time.Time `json:"last_active"`
	StartedAt  time.Time `json:"started_at"`
}
