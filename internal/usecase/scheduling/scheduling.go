// Package scheduling fires configured prompts into the feed conversation on
// a cron or fixed-interval schedule.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
)

const defaultRunTimeout = 5 * time.Minute

// Task is a recurring (or one-shot) prompt.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Prompt   string
	OneShot  bool
}

// TaskRunEmitter announces a task firing and returns the turn ID that
// correlates the run's messages.
type TaskRunEmitter interface {
	EmitTaskRunEvent(ctx context.Context, ev domain.TaskRunEvent) string
}

// MessageHandler consumes the message a task run produces.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg domain.Message)
}

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron    *cron.Cron
	events  TaskRunEmitter
	handler MessageHandler
	entries map[string]cron.EntryID
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler that delivers runs to handler.
func NewScheduler(events TaskRunEmitter, handler MessageHandler, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		events:  events,
		handler: handler,
		entries: make(map[string]cron.EntryID),
		timeout: defaultRunTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// AddTask schedules task. Names are unique.
func (s *Scheduler) AddTask(task Task) error {
	if task.Name == "" {
		return domain.NewDomainError("Scheduler.AddTask", domain.ErrInvalidInput, "task name required")
	}
	if task.Prompt == "" {
		return domain.NewDomainError("Scheduler.AddTask", domain.ErrInvalidInput, "task prompt required")
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[task.Name]; exists {
		return domain.NewDomainError("Scheduler.AddTask", domain.ErrDuplicate, task.Name)
	}

	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		s.Run(taskCtx, task)

		if task.OneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, task.Name)
			s.mu.Unlock()
		}
	}))
	s.entries[task.Name] = entryID

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "one_shot", task.OneShot)
	return nil
}

// Run fires task once: the run event goes out first, then the prompt is
// handed to the supervisor as a task_run message in the feed.
func (s *Scheduler) Run(ctx context.Context, task Task) {
	start := s.now()
	turnID := s.events.EmitTaskRunEvent(ctx, domain.TaskRunEvent{
		TaskName: task.Name,
		Schedule: task.Schedule,
		FiredAt:  start,
	})
	if turnID == "" {
		turnID = ids.New()
	}

	s.handler.HandleMessage(ctx, domain.Message{
		ID:      ids.New(),
		Role:    domain.RoleUser,
		Content: task.Prompt,
		Metadata: domain.MessageMetadata{
			ConversationID: domain.FeedConversationID,
			MessageType:    domain.MessageTypeTaskRun,
			TurnID:         turnID,
		},
		CreatedAt: start,
	})

	s.logger.Info("scheduled task completed",
		"task", task.Name,
		"turn_id", turnID,
		"duration", time.Since(start))
}

// RemoveTask unschedules a task by name.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return domain.NewDomainError("Scheduler.RemoveTask", domain.ErrNotFound, name)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	s.logger.Info("task removed", "name", name)
	return nil
}

// NextRun returns the next scheduled run of a task, or nil if unknown.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running tasks and waits for them to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second durations.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
