// Package scheduler fires summary jobs when a schedule's cron expression matches the current minute.
//
// The scheduler owns an in-memory snapshot of the stored schedules. The snapshot is
// replaced wholesale on reload and is only touched by the goroutine running Run.
// Pause, Resume and Reload are delivered to that goroutine over a channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned for cron expressions that cannot be parsed.
var ErrInvalidCron = errors.New("invalid cron expression")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron parses expr with the same rules the scheduler uses.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCron)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// Loader returns the current set of schedules.
type Loader interface {
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
}

// TriggerFunc starts one job run. It must not block the tick loop for long.
type TriggerFunc func(ctx context.Context, schedule *models.Schedule)

// Options configures a Scheduler.
type Options struct {
	Tick     time.Duration
	Location *time.Location
	Now      func() time.Time
}

type signal int

const (
	signalReload signal = iota
	signalPause
	signalResume
)

// state is mutated only by the Run goroutine.
type state struct {
	paused          bool
	reloadRequested bool
}

type entry struct {
	schedule *models.Schedule
	cron     cron.Schedule
	next     time.Time
}

// EntryStatus describes one loaded schedule.
type EntryStatus struct {
	ScheduleID  string    `json:"schedule_id"`
	ChannelID   string    `json:"channel_id"`
	Crontab     string    `json:"crontab"`
	GerritQuery string    `json:"gerrit_query"`
	Next        time.Time `json:"next"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running    bool          `json:"running"`
	Paused     bool          `json:"paused"`
	LastReload time.Time     `json:"last_reload"`
	LastTick   time.Time     `json:"last_tick"`
	Entries    []EntryStatus `json:"entries"`
}

// Scheduler evaluates cron expressions on a fixed tick.
type Scheduler struct {
	loader  Loader
	trigger TriggerFunc
	tick    time.Duration
	loc     *time.Location
	now     func() time.Time

	signals chan signal
	running atomic.Bool
	paused  atomic.Bool

	mu     sync.RWMutex
	status Status
}

// New creates a Scheduler. Zero options fall back to a five second tick in the local time zone.
func New(loader Loader, trigger TriggerFunc, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		loader:  loader,
		trigger: trigger,
		tick:    opts.Tick,
		loc:     opts.Location,
		now:     opts.Now,
		signals: make(chan signal, 16),
	}
}

// Reload asks the scheduler to re-read schedules on its next tick.
func (s *Scheduler) Reload() { s.send(signalReload) }

// Pause stops jobs from firing until Resume.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.send(signalPause)
}

// Resume undoes Pause. Evaluation continues from the next tick.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.send(signalResume)
}

// Paused reports the most recently requested pause state.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

func (s *Scheduler) send(sig signal) {
	select {
	case s.signals <- sig:
	default:
		// The loop is behind; drop the oldest signal so the latest request wins.
		select {
		case <-s.signals:
		default:
		}
		s.signals <- sig
	}
}

// Status returns a copy of the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.status
	st.Running = s.running.Load()
	st.Paused = s.paused.Load()
	st.Entries = append([]EntryStatus(nil), s.status.Entries...)
	return st
}

// Run drives the tick loop until ctx is cancelled. Schedules are loaded on the first tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	ctx = log.WithFields(ctx, log.LogFields{"component": "scheduler"})
	st := state{paused: s.paused.Load(), reloadRequested: true}
	var entries []*entry

	log.Info(ctx, "Scheduler started", "tick", s.tick.String(), "location", s.loc.String())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Evaluate once immediately so schedules are loaded without waiting a full tick.
	entries = s.step(ctx, &st, entries)

	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, "Scheduler stopped")
			return nil
		case sig := <-s.signals:
			st.apply(sig)
			log.Info(ctx, "Scheduler signal received",
				"paused", st.paused,
				"reload_requested", st.reloadRequested,
			)
		case <-ticker.C:
			entries = s.step(ctx, &st, entries)
		}
	}
}

func (st *state) apply(sig signal) {
	switch sig {
	case signalReload:
		st.reloadRequested = true
	case signalPause:
		st.paused = true
	case signalResume:
		st.paused = false
	}
}

// step runs one tick and returns the entry set to use from now on.
func (s *Scheduler) step(ctx context.Context, st *state, entries []*entry) []*entry {
	if st.paused {
		return entries
	}

	now := s.now().In(s.loc)
	if st.reloadRequested {
		loaded, err := s.load(ctx, now)
		if err != nil {
			log.Error(ctx, "Failed to load schedules",
				"error", err,
				"operation", "load_schedules",
			)
		} else {
			entries = loaded
			st.reloadRequested = false
			s.mu.Lock()
			s.status.LastReload = now
			s.mu.Unlock()
		}
	}

	s.evaluate(ctx, entries, now)
	s.publish(entries, now)
	return entries
}

// load seeds every schedule with its first fire time strictly after now, so a restart
// that lands on a matching minute does not send twice.
func (s *Scheduler) load(ctx context.Context, now time.Time) ([]*entry, error) {
	schedules, err := s.loader.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	entries := make([]*entry, 0, len(schedules))
	for _, schedule := range schedules {
		sched, err := parseCron(schedule.Crontab)
		if err != nil {
			log.Warn(ctx, "Skipping schedule with invalid cron expression",
				"error", err,
				"schedule_id", schedule.ID,
				"crontab", schedule.Crontab,
			)
			continue
		}
		entries = append(entries, &entry{schedule: schedule, cron: sched, next: sched.Next(now)})
	}

	log.Info(ctx, "Schedules loaded", "count", len(entries), "skipped", len(schedules)-len(entries))
	return entries, nil
}

// evaluate triggers every entry whose next fire time equals the current minute.
// Entries left behind by a stalled loop are re-seeded without firing.
func (s *Scheduler) evaluate(ctx context.Context, entries []*entry, now time.Time) {
	rounded := now.Truncate(time.Minute)

	for _, e := range entries {
		if e.next.Before(rounded) {
			log.Warn(ctx, "Skipped missed fire time",
				"schedule_id", e.schedule.ID,
				"missed", e.next,
			)
			// Reseed from just before this minute so a match on the current minute still fires.
			e.next = e.cron.Next(rounded.Add(-time.Nanosecond))
		}
		if !e.next.Equal(rounded) {
			continue
		}
		log.Info(ctx, "Triggering schedule",
			"schedule_id", e.schedule.ID,
			"channel_id", e.schedule.ChannelID,
			"fire_time", rounded,
		)
		e.next = e.cron.Next(rounded)
		s.trigger(ctx, e.schedule)
	}
}

func (s *Scheduler) publish(entries []*entry, now time.Time) {
	statuses := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, EntryStatus{
			ScheduleID:  e.schedule.ID,
			ChannelID:   e.schedule.ChannelID,
			Crontab:     e.schedule.Crontab,
			GerritQuery: e.schedule.GerritQuery,
			Next:        e.next,
		})
	}

	s.mu.Lock()
	s.status.LastTick = now
	s.status.Entries = statuses
	s.mu.Unlock()
}
