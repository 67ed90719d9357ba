package pool

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/prefork/internal/process"
)

func (p *Pool) startReaper() error {
	s := cron.New()
	if _, err := s.AddFunc(fmt.Sprintf("@every %s", p.cfg.ReapInterval), func() { p.reap(time.Now()) }); err != nil {
		return fmt.Errorf("pool: schedule reaper: %w", err)
	}
	s.Start()
	p.sched = s
	return nil
}

// reap destroys half of the workers idle for longer than IdleTimeout,
// rounded up, oldest first.
func (p *Pool) reap(now time.Time) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	stale := 0
	for i := 0; i < p.idle.Len(); i++ {
		if p.expired(p.idle.At(i), now) {
			stale++
		}
	}
	quota := (stale + 1) / 2
	var victims []*process.Record
	for i := 0; i < p.idle.Len() && len(victims) < quota; {
		if p.expired(p.idle.At(i), now) {
			victims = append(victims, p.idle.Take(i))
			continue
		}
		i++
	}
	if len(victims) > 0 {
		p.idleChangedLocked()
	}
	p.mu.Unlock()

	for _, r := range victims {
		p.destroy(r, ReasonReap)
	}
	if len(victims) > 0 {
		p.logger.Info("reaped idle workers", "count", len(victims), "expired", stale)
	}
	return len(victims)
}

func (p *Pool) expired(r *process.Record, now time.Time) bool {
	return now.Sub(r.LastActive()) > p.cfg.IdleTimeout
}
