package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrJobNotFound is returned when a job is not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job name is already registered
	ErrDuplicateJob = errors.New("duplicate job")
)

// JobFunc is the body of a periodic job
type JobFunc func(ctx context.Context) error

// JobStatus describes a registered job and its last run
type JobStatus struct {
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	Runs        int        `json:"runs"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
}

// CronScheduler runs named maintenance jobs on cron expressions with a
// seconds field. A job never overlaps with itself.
type CronScheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	parser cron.Parser
	now    func() time.Time

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*cronJob
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new scheduler
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	logger = logger.Named("cron")
	cl := &cronLogger{logger: logger}

	return &CronScheduler{
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
		ctx:    context.Background(),
		jobs:   make(map[string]*cronJob),
	}
}

// Start starts running jobs. ctx is passed to every job run.
func (s *CronScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.Jobs())))
}

// Stop stops the scheduler and waits for running jobs to complete
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// AddJob registers run under name on the cron expression expr
func (s *CronScheduler) AddJob(name, expr string, run JobFunc) error {
	spec, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	job := &cronJob{scheduler: s, name: name, expression: expr, spec: spec, run: run}
	job.entryID = s.cron.Schedule(spec, cron.NewChain(cron.SkipIfStillRunning(&cronLogger{logger: s.logger})).Then(job))
	s.jobs[name] = job

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("expression", expr),
		zap.Time("next_run", spec.Next(s.now())))
	return nil
}

// RemoveJob unregisters a job. A run in progress completes.
func (s *CronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(job.entryID)
	delete(s.jobs, name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// RunNow runs a job synchronously outside its schedule
func (s *CronScheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job.execute(ctx)
}

// Jobs lists the registered jobs by name
func (s *CronScheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler  *CronScheduler
	name       string
	expression string
	spec       cron.Schedule
	run        JobFunc
	entryID    cron.EntryID

	mu      sync.Mutex
	runs    int
	lastRun *time.Time
	lastErr error
}

// Run implements cron.Job
func (j *cronJob) Run() {
	j.scheduler.mu.Lock()
	ctx := j.scheduler.ctx
	j.scheduler.mu.Unlock()

	_ = j.execute(ctx)
}

func (j *cronJob) execute(ctx context.Context) error {
	logger := j.scheduler.logger
	start := j.scheduler.now()

	err := j.run(ctx)

	j.mu.Lock()
	j.runs++
	j.lastRun = &start
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		logger.Error("Job failed",
			zap.String("name", j.name),
			zap.Duration("duration", j.scheduler.now().Sub(start)),
			zap.Error(err))
		return err
	}
	logger.Info("Job completed",
		zap.String("name", j.name),
		zap.Duration("duration", j.scheduler.now().Sub(start)),
		zap.Time("next_run", j.spec.Next(start)))
	return nil
}

func (j *cronJob) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.spec.Next(j.scheduler.now())
	st := JobStatus{
		Name:        j.name,
		Expression:  j.expression,
		Runs:        j.runs,
		NextRunTime: &next,
	}
	if j.lastRun != nil {
		t := *j.lastRun
		st.LastRunTime = &t
	}
	if j.lastErr != nil {
		st.LastError = j.lastErr.Error()
	}
	return st
}
