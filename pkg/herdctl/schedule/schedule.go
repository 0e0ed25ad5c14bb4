// Package schedule models the trigger cadences an agent can declare.
// Schedules are a tagged variant: interval and cron compute their next fire
// time; webhook and chat never fire from the scheduler and exist only to
// declare prompts for external trigger paths.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
)

// Kind tags the schedule variant.
type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindWebhook  Kind = "webhook"
	KindChat     Kind = "chat"
)

// cronParser accepts the standard five fields plus @hourly/@daily/... and
// @every descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec is a compiled schedule ready for due evaluation.
type Spec struct {
	// Name is the schedule name within its agent.
	Name string

	// Kind is the schedule variant.
	Kind Kind

	// Prompt overrides the agent default (may be empty).
	Prompt string

	// Workdir overrides the agent workspace (may be empty).
	Workdir string

	// Enabled mirrors the config flag.
	Enabled bool

	every time.Duration
	cron  cron.Schedule
}

// Compile builds a Spec from its configuration. Cron expressions are parsed
// eagerly so invalid schedules fail at initialize, not at tick time.
func Compile(cfg config.ScheduleConfig) (*Spec, error) {
	s := &Spec{
		Name:    cfg.Name,
		Kind:    Kind(cfg.Type),
		Prompt:  cfg.Prompt,
		Workdir: cfg.Workdir,
		Enabled: cfg.IsEnabled(),
	}
	switch s.Kind {
	case KindInterval:
		if cfg.Every.Std() <= 0 {
			return nil, fmt.Errorf("schedule %q: interval requires a positive duration", cfg.Name)
		}
		s.every = cfg.Every.Std()
	case KindCron:
		sched, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression %q: %w", cfg.Name, cfg.Cron, err)
		}
		s.cron = sched
	case KindWebhook, KindChat:
		// Passive: nothing to compile.
	default:
		return nil, fmt.Errorf("schedule %q: unknown type %q", cfg.Name, cfg.Type)
	}
	return s, nil
}

// NextFireAt returns the next time the schedule should fire after lastFired.
// The second return is false for passive schedules (webhook, chat), which
// the scheduler never fires.
//
// An interval schedule that has never fired is due immediately.
func (s *Spec) NextFireAt(now time.Time, lastFired time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindInterval:
		if lastFired.IsZero() {
			return now, true
		}
		return lastFired.Add(s.every), true
	case KindCron:
		from := lastFired
		if from.IsZero() {
			from = now
		}
		return s.cron.Next(from), true
	default:
		return time.Time{}, false
	}
}

// DueAt reports whether the schedule is due at now given its last fire time.
func (s *Spec) DueAt(now time.Time, lastFired time.Time) bool {
	next, active := s.NextFireAt(now, lastFired)
	if !active {
		return false
	}
	return !next.After(now)
}

// Interval returns the configured interval (zero for non-interval kinds).
func (s *Spec) Interval() time.Duration { return s.every }
