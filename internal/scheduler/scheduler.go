// Package scheduler starts workflows on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/config"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/telemetry"
)

// Submitter starts a workflow in the background.
type Submitter interface {
	StartWorkflow(ctx context.Context, kind string, opts models.RunOptions) (*models.WorkflowInstance, error)
}

// Entry describes a registered schedule.
type Entry struct {
	ID   cron.EntryID `json:"id"`
	Name string       `json:"name"`
	Spec string       `json:"spec"`
	Kind string       `json:"kind"`
	Next time.Time    `json:"next"`
	Prev time.Time    `json:"prev,omitempty"`
}

// Parser accepts five-field specs, six-field specs with leading seconds, and
// descriptors such as "@every 6h".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires workflow submissions from cron entries.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    logging.Logger
	metrics   *telemetry.PipelineMetrics
	timeout   time.Duration

	mu      sync.Mutex
	entries map[cron.EntryID]Entry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSubmitTimeout bounds each submission made by a firing.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New returns a stopped scheduler.
func New(submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		logger:    logging.NewNop(),
		timeout:   30 * time.Second,
		entries:   make(map[cron.EntryID]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	s.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	return s
}

// Schedule registers kind to start on every firing of spec.
func (s *Scheduler) Schedule(spec, kind string) (cron.EntryID, error) {
	return s.add(spec, spec, kind)
}

// ScheduleAll registers every configured schedule, stopping at the first
// invalid one.
func (s *Scheduler) ScheduleAll(schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		name := sc.Name
		if name == "" {
			name = sc.Cron
		}
		if _, err := s.add(name, sc.Cron, sc.Kind); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
	}
	return nil
}

func (s *Scheduler) add(name, spec, kind string) (cron.EntryID, error) {
	if _, err := Parser.Parse(spec); err != nil {
		return 0, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	id, err := s.cron.AddFunc(spec, func() { s.fire(name, kind) })
	if err != nil {
		return 0, fmt.Errorf("failed to add schedule: %w", err)
	}

	s.mu.Lock()
	s.entries[id] = Entry{ID: id, Name: name, Spec: spec, Kind: kind}
	s.mu.Unlock()

	s.logger.Info(context.Background(), "Registered schedule",
		zap.String("schedule", name),
		zap.String("spec", spec),
		zap.String("kind", kind))
	return id, nil
}

// Remove drops a schedule. Firings already in flight finish.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// fire runs on the cron goroutine. Errors are logged and counted; the loop
// keeps going.
func (s *Scheduler) fire(name, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	inst, err := s.submitter.StartWorkflow(ctx, kind, models.RunOptions{TriggeredBy: "schedule:" + name})
	if err != nil {
		s.metrics.ScheduledRun(name, "error")
		s.logger.Error(ctx, "Scheduled workflow failed to start",
			zap.String("schedule", name),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}

	s.metrics.ScheduledRun(name, "started")
	s.logger.Info(ctx, "Scheduled workflow started",
		zap.String("schedule", name),
		logging.WorkflowID(inst.ID))
}

// TriggerNow submits kind immediately, outside any schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, kind string) (*models.WorkflowInstance, error) {
	inst, err := s.submitter.StartWorkflow(ctx, kind, models.RunOptions{TriggeredBy: "manual"})
	if err != nil {
		s.metrics.ScheduledRun("manual", "error")
		return nil, fmt.Errorf("failed to trigger workflow: %w", err)
	}
	s.metrics.ScheduledRun("manual", "started")
	return inst, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info(context.Background(), "Scheduler started", zap.Int("schedules", len(s.Entries())))
}

// Stop halts the cron loop and waits for running firings or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists registered schedules ordered by id, with their next and
// previous firing times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, ce := range s.cron.Entries() {
		e, ok := s.entries[ce.ID]
		if !ok {
			continue
		}
		e.Next = ce.Next
		e.Prev = ce.Prev
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cronLogger adapts the service logger to cron's key/value logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(context.Background(), msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(context.Background(), msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}
