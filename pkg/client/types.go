package client

import "time"

// PoolStatus is one dispatch loop or datum dispatcher as reported by GET /status.
type PoolStatus struct {
	Mode       string         `json:"mode"`
	Name       string         `json:"name"`
	Listen     string         `json:"listen"`
	Running    bool           `json:"running"`
	Args       PoolArgs       `json:"args"`
	ManagerPID int            `json:"manager_pid,omitempty"`
	Idle       int            `json:"idle"`
	Busy       int            `json:"busy"`
	Total      int            `json:"total"`
	Workers    []WorkerStatus `json:"workers"`
}

type PoolArgs struct {
	MaxProc     int `json:"max_proc"`
	MaxIdleProc int `json:"max_idle"`
	MinIdleProc int `json:"min_idle"`
}

type WorkerStatus struct {
	PID        int       `json:"pid"`
	Requests   int       `json:"requests"`
	Idle       bool      `json:"idle"`
	LastActive time.Time `json:"last_active"`
	StartedAt  time.Time `json:"started_at"`
}

// Worker is one entry of GET /workers.
type Worker struct {
	Pool string `json:"pool"`
	Mode string `json:"mode"`
	WorkerStatus
	Usage *WorkerUsage `json:"usage,omitempty"`
}

type WorkerUsage struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Token is a bearer token returned by POST /auth/login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
