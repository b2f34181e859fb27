// Package cron runs the orchestrator's periodic jobs.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a named unit of periodic work. Schedule accepts six-field cron
// expressions (with seconds) and descriptors such as "@every 30s".
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type JobState struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

type registered struct {
	job   Job
	entry rcron.EntryID
	state JobState
}

type Service struct {
	logger *zap.Logger
	cron   *rcron.Cron

	mu     sync.Mutex
	jobs   map[string]*registered
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
}

func NewService(logger *zap.Logger) *Service {
	logger = logger.Named("cron")
	s := &Service{
		logger: logger,
		jobs:   make(map[string]*registered),
		ctx:    context.Background(),
	}
	s.cron = rcron.New(
		rcron.WithSeconds(),
		rcron.WithChain(rcron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
	)
	return s
}

// Add registers job. Names are unique.
func (s *Service) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", job.Name, job.Schedule, err)
	}
	s.jobs[name] = &registered{
		job:   job,
		entry: id,
		state: JobState{Name: name, Schedule: job.Schedule},
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(r.entry)
	delete(s.jobs, name)
	return true
}

// Start runs the scheduler until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.ctx, s.cancel, s.stopCh = runCtx, cancel, stopCh
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopCh := s.cancel, s.stopCh
	s.cancel, s.stopCh = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	close(stopCh)

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	cancel()
	s.logger.Info("stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name)
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	r, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.job.Run(ctx)

	s.mu.Lock()
	r.state.Runs++
	r.state.LastRunAt = time.Now()
	if err != nil {
		r.state.LastStatus = "error"
		r.state.LastError = err.Error()
	} else {
		r.state.LastStatus = "ok"
		r.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
	} else {
		s.logger.Debug("job done", zap.String("job", name))
	}
	return err
}

// Jobs reports every registered job, sorted by name.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, r.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's own logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
