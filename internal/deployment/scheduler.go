// Package deployment binds saved designs to HTTP endpoints and cron
// schedules: a Service for CRUD and execution, a Scheduler for timed
// fires, and exact-path dispatch for the dynamic endpoint surface.
package deployment

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// FireFunc runs one scheduled fire for a deployment.
type FireFunc func(deploymentID string)

// cronParser accepts both 5-field and 6-field (with seconds) expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// intervalUnits maps schedule units to their base duration.
var intervalUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// minInterval floors interval schedules so a misconfigured deployment
// cannot spin the executor.
const minInterval = time.Second

// Scheduler drives timed deployment fires off a single cron runner.
// Register replaces any previous entry for the deployment, so callers
// never track entry identity themselves.
type Scheduler struct {
	cron   *cron.Cron
	fire   FireFunc
	drain  time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// NewScheduler creates a stopped Scheduler; call Start after restoring
// persisted schedules.
func NewScheduler(fire FireFunc, drain time.Duration, log *logger.Logger) *Scheduler {
	if drain <= 0 {
		drain = 30 * time.Second
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cronParser)),
		fire:    fire,
		drain:   drain,
		logger:  log.WithFields(zap.String("component", "scheduler")),
		entries: make(map[string]cron.EntryID),
	}
}

// ValidateSchedule rejects malformed schedule documents at write time so
// the scheduler never sees one it cannot register.
func ValidateSchedule(s *v1.Schedule) error {
	if s == nil {
		return nil
	}
	_, err := buildCronSchedule(s)
	return err
}

// buildCronSchedule converts a schedule document into a cron.Schedule.
func buildCronSchedule(s *v1.Schedule) (cron.Schedule, error) {
	switch s.Kind {
	case v1.ScheduleKindCron:
		if strings.TrimSpace(s.Expression) == "" {
			return nil, apperrors.ValidationError("schedule.expression", "cron schedule requires an expression")
		}
		expr := s.Expression
		if s.Timezone != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return nil, apperrors.ValidationError("schedule.timezone", "unknown timezone "+s.Timezone)
			}
			expr = "CRON_TZ=" + s.Timezone + " " + expr
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, apperrors.ValidationError("schedule.expression", err.Error())
		}
		return sched, nil

	case v1.ScheduleKindInterval:
		unit, ok := intervalUnits[s.Unit]
		if !ok {
			return nil, apperrors.ValidationError("schedule.unit", "unit must be one of seconds, minutes, hours, days")
		}
		if s.Every <= 0 {
			return nil, apperrors.ValidationError("schedule.every", "interval must be positive")
		}
		d := time.Duration(s.Every) * unit
		if d < minInterval {
			d = minInterval
		}
		return cron.Every(d), nil

	default:
		return nil, apperrors.ValidationError("schedule.kind", "kind must be cron or interval")
	}
}

// Register installs (or replaces) the entry for a deployment. A nil or
// disabled schedule just removes any existing entry.
func (s *Scheduler) Register(dep *v1.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(dep.ID)

	if dep.Schedule == nil || !dep.Schedule.Enabled || dep.Status != v1.DeploymentStatusActive {
		return nil
	}

	sched, err := buildCronSchedule(dep.Schedule)
	if err != nil {
		return err
	}

	id := dep.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	s.entries[dep.ID] = entryID

	s.logger.Info("registered schedule",
		zap.String("deployment_id", dep.ID),
		zap.String("kind", string(dep.Schedule.Kind)))
	return nil
}

// Unregister removes a deployment's entry, if any.
func (s *Scheduler) Unregister(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(deploymentID)
}

func (s *Scheduler) removeLocked(deploymentID string) {
	if entryID, ok := s.entries[deploymentID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, deploymentID)
	}
}

// Entries returns the deployment ids with a live entry.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Start begins firing entries. Safe to call once; later calls are no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", len(s.entries)))
}

// Stop halts scheduling and waits for in-flight fires to finish, bounded
// by the drain timeout.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(s.drain):
		s.logger.Warn("drain timeout elapsed with fires still running")
	case <-ctx.Done():
	}
}
