package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// WorkerSample is the resource usage of one worker process.
type WorkerSample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PIDSource lists the worker pids to sample.
type PIDSource func() []int

// WorkerCollector samples CPU and memory of pool workers on a schedule and
// exports them as gauges labelled by pid. Gauges of vanished workers are removed.
type WorkerCollector struct {
	pool     string
	source   PIDSource
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	procs   map[int]*gopsproc.Process
	samples map[int]WorkerSample

	sched *cron.Cron

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

// NewWorkerCollector returns a collector for pool. interval below one second
// is raised to one second.
func NewWorkerCollector(pool string, source PIDSource, interval time.Duration, logger *slog.Logger) *WorkerCollector {
	if interval < time.Second {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerCollector{
		pool:     pool,
		source:   source,
		interval: interval,
		logger:   logger,
		procs:    make(map[int]*gopsproc.Process),
		samples:  make(map[int]WorkerSample),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of a worker process.",
		}, []string{"pool", "pid"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of a worker process.",
		}, []string{"pool", "pid"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "OS threads of a worker process.",
		}, []string{"pool", "pid"}),
	}
}

// Register registers the worker gauges. Already registered collectors are ignored.
func (c *WorkerCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.memory, c.threads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start schedules Collect every interval.
func (c *WorkerCollector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched != nil {
		return errors.New("worker collector already started")
	}
	s := cron.New()
	if _, err := s.AddFunc(fmt.Sprintf("@every %s", c.interval), c.Collect); err != nil {
		return err
	}
	s.Start()
	c.sched = s
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (c *WorkerCollector) Stop() {
	c.mu.Lock()
	s := c.sched
	c.sched = nil
	c.mu.Unlock()
	if s != nil {
		<-s.Stop().Done()
	}
}

// Collect samples every pid returned by the source once.
func (c *WorkerCollector) Collect() {
	pids := c.source()
	live := make(map[int]bool, len(pids))
	now := time.Now()
	for _, pid := range pids {
		live[pid] = true
		p := c.handle(pid)
		if p == nil {
			continue
		}
		s, err := sample(p, pid, now)
		if err != nil {
			c.logger.Debug("sample worker", "pid", pid, "error", err)
			continue
		}
		label := strconv.Itoa(pid)
		c.cpu.WithLabelValues(c.pool, label).Set(s.CPUPercent)
		c.memory.WithLabelValues(c.pool, label).Set(float64(s.MemoryRSS))
		c.threads.WithLabelValues(c.pool, label).Set(float64(s.NumThreads))
		c.mu.Lock()
		c.samples[pid] = s
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.procs {
		if live[pid] {
			continue
		}
		label := strconv.Itoa(pid)
		c.cpu.DeleteLabelValues(c.pool, label)
		c.memory.DeleteLabelValues(c.pool, label)
		c.threads.DeleteLabelValues(c.pool, label)
		delete(c.procs, pid)
		delete(c.samples, pid)
	}
}

func (c *WorkerCollector) handle(pid int) *gopsproc.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.procs[pid]; ok {
		return p
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	c.procs[pid] = p
	return p
}

func sample(p *gopsproc.Process, pid int, now time.Time) (WorkerSample, error) {
	s := WorkerSample{PID: pid, Timestamp: now}
	cpu, err := p.Percent(0)
	if err != nil {
		return s, err
	}
	s.CPUPercent = cpu
	mem, err := p.MemoryInfo()
	if err != nil {
		return s, err
	}
	s.MemoryRSS = mem.RSS
	s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

// Snapshot returns the latest sample of every known worker, ordered by pid.
func (c *WorkerCollector) Snapshot() []WorkerSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]WorkerSample, 0, len(c.samples))
	for _, s := range c.samples {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
