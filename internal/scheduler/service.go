package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rss_relay/internal/model"
	"rss_relay/internal/schedule"
)

// Plan is the scheduling configuration the service runs against.
type Plan struct {
	Policy    *schedule.Policy
	Schedules []model.Schedule
	Limits    FeedLimits
}

// PlanLoader produces the current Plan. It is called at start and on every
// reload so schedule changes apply without a restart.
type PlanLoader func() (*Plan, error)

// ServiceOptions tunes a Service.
type ServiceOptions struct {
	RunTimeout    time.Duration
	RetentionDays int
	ReloadSpec    string
	MaintainSpec  string
	RetentionSpec string
}

type scheduleEntry struct {
	id      cron.EntryID
	minutes int
}

// Service drives a Scheduler from cron. Every schedule of the current plan
// gets its own entry firing at its refresh interval, and a run that is still
// going when the next one is due skips that tick.
type Service struct {
	sched *Scheduler
	load  PlanLoader
	log   *slog.Logger
	opts  ServiceOptions

	c    *cron.Cron
	plan atomic.Pointer[Plan]

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]scheduleEntry
}

// NewService creates a Service.
func NewService(sched *Scheduler, load PlanLoader, log *slog.Logger, opts ServiceOptions) *Service {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.ReloadSpec == "" {
		opts.ReloadSpec = "@every 1m"
	}
	if opts.MaintainSpec == "" {
		opts.MaintainSpec = "@every 5m"
	}
	if opts.RetentionSpec == "" {
		opts.RetentionSpec = "@daily"
	}
	logger := cronLogger{log: log.With("component", "cron")}
	return &Service{
		sched:   sched,
		load:    load,
		log:     log,
		opts:    opts,
		c:       cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		ctx:     context.Background(),
		entries: make(map[string]scheduleEntry),
	}
}

// Start loads the plan, registers the jobs and starts cron. Runs are
// cancelled once ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reload(); err != nil {
		return err
	}

	jobs := []struct {
		spec string
		job  func()
	}{
		{s.opts.ReloadSpec, func() {
			if err := s.Reload(); err != nil {
				s.log.Error("reload schedules", "error", err)
			}
		}},
		{s.opts.MaintainSpec, s.maintain},
		{s.opts.RetentionSpec, s.rotate},
	}
	skip := cron.SkipIfStillRunning(cronLogger{log: s.log})
	for _, j := range jobs {
		if _, err := s.c.AddJob(j.spec, cron.NewChain(skip).Then(cron.FuncJob(j.job))); err != nil {
			return fmt.Errorf("add job %q: %w", j.spec, err)
		}
	}

	s.rotate()
	s.c.Start()
	s.log.Info("scheduler service started", "schedules", len(s.scheduled()))
	return nil
}

// Stop stops cron and waits for running jobs to return.
func (s *Service) Stop() {
	<-s.c.Stop().Done()
	s.log.Info("scheduler service stopped")
}

// Reload fetches a fresh plan and reconciles the cron entries with it. An
// entry is replaced only when its interval changed.
func (s *Service) Reload() error {
	plan, err := s.load()
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	s.plan.Store(plan)

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(plan.Schedules))
	for _, sched := range plan.Schedules {
		wanted[sched.Name] = true
		cur, ok := s.entries[sched.Name]
		if ok && cur.minutes == sched.RefreshRateMinutes {
			continue
		}
		if ok {
			s.c.Remove(cur.id)
		}
		name := sched.Name
		job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: s.log})).
			Then(cron.FuncJob(func() { s.runSchedule(name) }))
		id := s.c.Schedule(cron.Every(sched.Interval()), job)
		s.entries[name] = scheduleEntry{id: id, minutes: sched.RefreshRateMinutes}
		s.log.Debug("schedule registered", "schedule", name, "interval", sched.Interval())
	}
	for name, cur := range s.entries {
		if !wanted[name] {
			s.c.Remove(cur.id)
			delete(s.entries, name)
			s.log.Debug("schedule removed", "schedule", name)
		}
	}
	return nil
}

func (s *Service) runSchedule(name string) {
	plan := s.plan.Load()
	if plan == nil {
		return
	}
	var sched *model.Schedule
	for i := range plan.Schedules {
		if plan.Schedules[i].Name == name {
			sched = &plan.Schedules[i]
			break
		}
	}
	if sched == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.baseContext(), s.opts.RunTimeout)
	defer cancel()
	if _, err := s.sched.RunSchedule(ctx, plan.Policy, *sched); err != nil {
		s.log.Error("schedule run failed", "schedule", name, "error", err)
	}
}

func (s *Service) maintain() {
	plan := s.plan.Load()
	if plan == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.baseContext(), s.opts.RunTimeout)
	defer cancel()
	if _, err := s.sched.Maintain(ctx, plan.Limits); err != nil {
		s.log.Error("enforce feed limits", "error", err)
	}
	if _, err := s.sched.AlertFailedURLs(ctx); err != nil {
		s.log.Error("alert failed urls", "error", err)
	}
}

func (s *Service) rotate() {
	ctx, cancel := context.WithTimeout(s.baseContext(), s.opts.RunTimeout)
	defer cancel()
	if _, err := s.sched.RotateDeliveryRecords(ctx, s.opts.RetentionDays); err != nil {
		s.log.Error("rotate delivery records", "error", err)
	}
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// scheduled returns the registered schedules and their interval in minutes.
func (s *Service) scheduled() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.minutes
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
