package process

import (
	"fmt"
	"net"
	"time"

	"github.com/loykin/prefork/internal/pdu"
)

// Token is a single status byte a worker writes on its control channel.
type Token byte

const (
	TokenBusy Token = 'B'
	TokenIdle Token = 'I'
	TokenExit Token = '!'
)

func (t Token) String() string {
	switch t {
	case TokenBusy:
		return "busy"
	case TokenIdle:
		return "idle"
	case TokenExit:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(t))
	}
}

// Record is the bookkeeping for one worker process. It is not safe for
// concurrent use: a record belongs to exactly one List at a time and only
// the owner of that list touches it.
type Record struct {
	pid        int
	conn       *net.UnixConn
	fd         int
	requests   int
	lastActive time.Time
	idle       bool
	startedAt  time.Time

	owner *List
}

// NewRecord wraps the control channel of the worker identified by pid.
func NewRecord(pid int, conn *net.UnixConn) (*Record, error) {
	fd, err := pdu.RawFD(conn)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", pid, err)
	}
	now := time.Now()
	r := &Record{
		pid:        pid,
		conn:       conn,
		fd:         fd,
		lastActive: now,
		startedAt:  now,
	}
	if st := StartTime(pid); !st.IsZero() {
		r.startedAt = st
	}
	return r, nil
}

func (r *Record) Pid() int              { return r.pid }
func (r *Record) Conn() *net.UnixConn   { return r.conn }
func (r *Record) FD() int               { return r.fd }
func (r *Record) Requests() int         { return r.requests }
func (r *Record) SetRequests(n int)     { r.requests = n }
func (r *Record) LastActive() time.Time { return r.lastActive }
func (r *Record) Touch(t time.Time)     { r.lastActive = t }
func (r *Record) Idle() bool            { return r.idle }
func (r *Record) SetIdle(idle bool)     { r.idle = idle }
func (r *Record) StartedAt() time.Time  { return r.startedAt }

// IncRequests bumps the request counter and returns the new value.
func (r *Record) IncRequests() int {
	r.requests++
	return r.requests
}

// Report writes a single status token on the control channel.
func (r *Record) Report(t Token) error {
	_, err := r.conn.Write([]byte{byte(t)})
	return err
}

// Close closes the control channel. The worker on the other end observes
// this as EOF and exits.
func (r *Record) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.fd = -1
	return err
}

// Status returns a JSON friendly snapshot.
func (r *Record) Status() Status {
	return Status{
		PID:        r.pid,
		Requests:   r.requests,
		Idle:       r.idle,
		LastActive: r.lastActive,
		StartedAt:  r.startedAt,
	}
}
