// Package scheduler runs the digest job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
)

var weekdayNumbers = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// BuildSpec turns the schedule section into a standard cron spec. A raw cron
// expression wins over an interval, which wins over time of day plus weekdays.
func BuildSpec(s config.Schedule) (string, error) {
	if s.Cron != "" {
		return s.Cron, nil
	}
	if s.Interval != "" {
		d, err := time.ParseDuration(s.Interval)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid interval %q", s.Interval)
		}
		return "@every " + d.String(), nil
	}

	t, err := time.Parse("15:04", s.Time)
	if err != nil {
		return "", fmt.Errorf("invalid time %q: expected HH:MM", s.Time)
	}

	dow := "*"
	if len(s.Days) > 0 {
		seen := make(map[int]bool)
		var nums []int
		for _, d := range s.Days {
			n, ok := weekdayNumbers[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return "", fmt.Errorf("unknown weekday %q", d)
			}
			if !seen[n] {
				seen[n] = true
				nums = append(nums, n)
			}
		}
		sort.Ints(nums)
		parts := make([]string, len(nums))
		for i, n := range nums {
			parts[i] = strconv.Itoa(n)
		}
		dow = strings.Join(parts, ",")
	}
	return fmt.Sprintf("%d %d * * %s", t.Minute(), t.Hour(), dow), nil
}

// Job is one scheduled digest run.
type Job func(ctx context.Context)

// Scheduler runs a single job. A tick that arrives while the previous run is
// still going is skipped.
type Scheduler struct {
	cron     *cron.Cron
	job      cron.Job
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	cancel   context.CancelFunc
	log      logging.Logger
	wg       sync.WaitGroup
}

// New builds a scheduler for cfg. Nothing runs until Start.
func New(cfg config.Schedule, job Job, log logging.Logger) (*Scheduler, error) {
	spec, err := BuildSpec(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{log: log}
	c := cron.New(cron.WithLocation(loc), cron.WithLogger(logger))
	wrapped := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).
		Then(cron.FuncJob(func() { job(ctx) }))
	c.Schedule(schedule, wrapped)

	return &Scheduler{
		cron:     c,
		job:      wrapped,
		spec:     spec,
		schedule: schedule,
		loc:      loc,
		cancel:   cancel,
		log:      log,
	}, nil
}

// Spec returns the cron spec in use.
func (s *Scheduler) Spec() string {
	return s.spec
}

// Next returns the next activation after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.loc))
}

// Start begins ticking. With runNow the job also runs once immediately.
func (s *Scheduler) Start(runNow bool) {
	s.cron.Start()
	s.log.WithFields(logging.Fields{
		"spec":     s.spec,
		"timezone": s.loc.String(),
		"next":     s.Next(time.Now()).Format(time.RFC3339),
	}).Info("Scheduler started")
	if runNow {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.job.Run()
		}()
	}
}

// Stop cancels the job context and waits for a running job, scheduled or
// started by Start, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running job: %w", ctx.Err())
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(kv []any) logging.Fields {
	f := logging.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
