// Package jobs is the background job registry: named jobs on cron tickers,
// manual triggering, and a bounded run history per job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/rotor-ads/rotor/internal/config"
)

const historyLimit = 100

// Trigger origins recorded with each run.
const (
	TriggerTicker = "ticker"
	TriggerManual = "manual"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
)

// Func is the body of a job.
type Func func(ctx context.Context) error

// Run is one completed execution of a job.
type Run struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationNs"`
	Trigger   string        `json:"trigger"`
	Error     string        `json:"error,omitempty"`
}

// Job is one registered background job. Runs never overlap; a trigger while
// the job is running is refused.
type Job struct {
	Name     string
	Interval time.Duration
	fn       Func

	mu      sync.Mutex // held for the whole run
	histMu  sync.Mutex
	history []Run
	running bool
}

func (j *Job) recordRun(r Run) {
	j.histMu.Lock()
	defer j.histMu.Unlock()
	j.history = append(j.history, r)
	if len(j.history) > historyLimit {
		j.history = j.history[len(j.history)-historyLimit:]
	}
}

// Info is the job state exposed over the API.
type Info struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"intervalNs"`
	Running   bool          `json:"running"`
	RunCount  int           `json:"runCount"`
	LastRun   *Run          `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

// Registry holds the jobs and their tickers.
type Registry struct {
	jobs    *xsync.Map[string, *Job]
	order   []string
	orderMu sync.Mutex

	cron           *cron.Cron
	tickersEnabled bool
}

func NewRegistry(tickersEnabled bool) *Registry {
	return &Registry{
		jobs:           xsync.NewMap[string, *Job](),
		cron:           cron.New(),
		tickersEnabled: tickersEnabled,
	}
}

// Register adds a job. When tickers are enabled the job also gets a cron
// entry firing every interval. Must be called before Start.
func (r *Registry) Register(name string, interval time.Duration, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("jobs: name and fn required")
	}
	job := &Job{Name: name, Interval: interval, fn: fn}
	if _, loaded := r.jobs.LoadOrStore(name, job); loaded {
		return fmt.Errorf("jobs: %q already registered", name)
	}
	r.orderMu.Lock()
	r.order = append(r.order, name)
	r.orderMu.Unlock()

	if r.tickersEnabled && interval > 0 {
		spec, err := config.CronSpec(interval)
		if err != nil {
			return err
		}
		if _, err := r.cron.AddFunc(spec, func() { r.run(job, TriggerTicker) }); err != nil {
			return fmt.Errorf("jobs: schedule %q: %w", name, err)
		}
	}
	return nil
}

// Start launches the cron tickers. A no-op when tickers are disabled.
func (r *Registry) Start() {
	if !r.tickersEnabled {
		log.Printf("[jobs] tickers disabled, jobs run on manual trigger only")
		return
	}
	r.cron.Start()
	log.Printf("[jobs] %d jobs scheduled", len(r.cron.Entries()))
}

// Stop halts the tickers and waits for in-flight runs started by them.
func (r *Registry) Stop() {
	<-r.cron.Stop().Done()
}

// Execute triggers a job by name right now and returns its run record.
func (r *Registry) Execute(ctx context.Context, name string) (*Run, error) {
	job, ok := r.jobs.Load(name)
	if !ok {
		return nil, ErrUnknownJob
	}
	if !job.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer job.mu.Unlock()
	run := r.execute(ctx, job, TriggerManual)
	return &run, nil
}

// run is the ticker entry point; overlapping ticks are skipped.
func (r *Registry) run(job *Job, trigger string) {
	if !job.mu.TryLock() {
		log.Printf("[jobs] %s: previous run still in flight, skipping tick", job.Name)
		return
	}
	defer job.mu.Unlock()
	r.execute(context.Background(), job, trigger)
}

func (r *Registry) execute(ctx context.Context, job *Job, trigger string) Run {
	job.histMu.Lock()
	job.running = true
	job.histMu.Unlock()

	run := Run{StartedAt: time.Now(), Trigger: trigger}
	err := job.fn(ctx)
	run.Duration = time.Since(run.StartedAt)
	if err != nil {
		run.Error = err.Error()
		log.Printf("[jobs] %s: %v (in %s)", job.Name, err, run.Duration.Round(time.Millisecond))
	}

	job.histMu.Lock()
	job.running = false
	job.histMu.Unlock()
	job.recordRun(run)
	return run
}

// List returns job infos in registration order.
func (r *Registry) List() []Info {
	r.orderMu.Lock()
	names := append([]string(nil), r.order...)
	r.orderMu.Unlock()

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		job, ok := r.jobs.Load(name)
		if !ok {
			continue
		}
		job.histMu.Lock()
		info := Info{
			Name:     job.Name,
			Interval: job.Interval,
			Running:  job.running,
			RunCount: len(job.history),
		}
		if n := len(job.history); n > 0 {
			last := job.history[n-1]
			info.LastRun = &last
			info.LastError = last.Error
		}
		job.histMu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

// History returns up to the last 100 runs of a job, most recent last.
func (r *Registry) History(name string) ([]Run, error) {
	job, ok := r.jobs.Load(name)
	if !ok {
		return nil, ErrUnknownJob
	}
	job.histMu.Lock()
	defer job.histMu.Unlock()
	return append([]Run(nil), job.history...), nil
}
