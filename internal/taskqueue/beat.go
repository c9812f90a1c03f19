package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// ErrUnknownSchedule is returned by Trigger for names missing from the schedule.
var ErrUnknownSchedule = errors.New("unknown schedule")

// ScheduledEntry describes a registered schedule entry.
type ScheduledEntry struct {
	Name     string    `json:"name"`
	Task     string    `json:"task"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Beat publishes scheduled tasks when their cron triggers fire.
type Beat struct {
	cron      *cron.Cron
	publisher Publisher
	logger    *zap.Logger
	schedule  map[string]config.ScheduleEntry
	entries   map[string]cron.EntryID
	mu        sync.Mutex
	running   bool
}

// NewBeat registers every schedule entry. Triggers are evaluated in UTC.
func NewBeat(schedule map[string]config.ScheduleEntry, publisher Publisher, logger *zap.Logger) (*Beat, error) {
	b := &Beat{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		publisher: publisher,
		logger:    logger,
		schedule:  make(map[string]config.ScheduleEntry, len(schedule)),
		entries:   make(map[string]cron.EntryID, len(schedule)),
	}

	for _, name := range sortedNames(schedule) {
		entry := schedule[name]
		id, err := b.cron.AddFunc(entry.Schedule, b.dispatch(name, entry))
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		b.schedule[name] = entry
		b.entries[name] = id
		logger.Info("registered schedule",
			zap.String("name", name),
			zap.String("task", entry.Task),
			zap.String("cron", entry.Schedule),
		)
	}

	return b, nil
}

func (b *Beat) dispatch(name string, entry config.ScheduleEntry) func() {
	return func() {
		id, err := b.publisher.Publish(context.Background(), entry.Task, nil)
		if err != nil {
			b.logger.Error("failed to publish scheduled task",
				zap.String("name", name),
				zap.String("task", entry.Task),
				zap.Error(err),
			)
			return
		}
		b.logger.Debug("published scheduled task",
			zap.String("name", name),
			zap.String("task", entry.Task),
			zap.String("task_id", id),
		)
	}
}

// Start starts the scheduler
func (b *Beat) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("beat already running")
	}
	b.cron.Start()
	b.running = true

	b.logger.Info("beat started", zap.Int("entries", len(b.entries)))
	return nil
}

// Stop stops the scheduler and waits for in-progress dispatches or ctx.
func (b *Beat) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false

	select {
	case <-b.cron.Stop().Done():
		b.logger.Info("beat stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("beat stop: %w", ctx.Err())
	}
}

// Trigger publishes the named entry immediately.
func (b *Beat) Trigger(ctx context.Context, name string) (string, error) {
	entry, ok := b.schedule[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return b.publisher.Publish(ctx, entry.Task, nil)
}

// Entries lists the registered schedule entries sorted by name.
func (b *Beat) Entries() []ScheduledEntry {
	out := make([]ScheduledEntry, 0, len(b.entries))
	for _, name := range sortedNames(b.schedule) {
		entry := b.schedule[name]
		ce := b.cron.Entry(b.entries[name])
		out = append(out, ScheduledEntry{
			Name:     name,
			Task:     entry.Task,
			Schedule: entry.Schedule,
			Next:     ce.Next,
			Prev:     ce.Prev,
		})
	}
	return out
}

func sortedNames(m map[string]config.ScheduleEntry) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
