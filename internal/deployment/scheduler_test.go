package deployment

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule *v1.Schedule
		wantErr  bool
	}{
		{"nil schedule", nil, false},
		{"five field cron", &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "*/5 * * * *"}, false},
		{"six field cron", &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "30 */5 * * * *"}, false},
		{"descriptor", &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "@hourly"}, false},
		{"cron with timezone", &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "0 9 * * 1-5", Timezone: "Europe/Berlin"}, false},
		{"bad timezone", &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "0 9 * * *", Timezone: "Mars/Olympus"}, true},
		{"bad expression", &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "not a cron"}, true},
		{"empty expression", &v1.Schedule{Kind: v1.ScheduleKindCron}, true},
		{"interval seconds", &v1.Schedule{Kind: v1.ScheduleKindInterval, Every: 30, Unit: "seconds"}, false},
		{"interval days", &v1.Schedule{Kind: v1.ScheduleKindInterval, Every: 1, Unit: "days"}, false},
		{"interval zero", &v1.Schedule{Kind: v1.ScheduleKindInterval, Every: 0, Unit: "minutes"}, true},
		{"interval bad unit", &v1.Schedule{Kind: v1.ScheduleKindInterval, Every: 5, Unit: "fortnights"}, true},
		{"unknown kind", &v1.Schedule{Kind: "sometimes"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchedule(tt.schedule)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.ErrCodeValidationError, apperrors.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCronScheduleNextRespectsTimezone(t *testing.T) {
	sched, err := buildCronSchedule(&v1.Schedule{
		Kind:       v1.ScheduleKindCron,
		Expression: "0 9 * * *",
		Timezone:   "America/New_York",
	})
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	next := sched.Next(from).In(loc)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestIntervalScheduleCadence(t *testing.T) {
	sched, err := buildCronSchedule(&v1.Schedule{
		Kind: v1.ScheduleKindInterval, Every: 10, Unit: "minutes",
	})
	require.NoError(t, err)

	from := time.Now()
	next := sched.Next(from)
	assert.InDelta(t, 10*time.Minute, next.Sub(from), float64(time.Second))
}

func TestRegisterReplacesEntry(t *testing.T) {
	sched := NewScheduler(func(string) {}, time.Second, logger.Default())
	dep := &v1.Deployment{
		ID:     "dep-1",
		Status: v1.DeploymentStatusActive,
		Schedule: &v1.Schedule{
			Kind: v1.ScheduleKindCron, Expression: "0 * * * *", Enabled: true,
		},
	}

	require.NoError(t, sched.Register(dep))
	require.NoError(t, sched.Register(dep))
	assert.Equal(t, []string{"dep-1"}, sched.Entries())

	sched.Unregister("dep-1")
	assert.Empty(t, sched.Entries())
}

func TestRegisterDisabledRemoves(t *testing.T) {
	sched := NewScheduler(func(string) {}, time.Second, logger.Default())
	dep := &v1.Deployment{
		ID:     "dep-1",
		Status: v1.DeploymentStatusActive,
		Schedule: &v1.Schedule{
			Kind: v1.ScheduleKindInterval, Every: 1, Unit: "minutes", Enabled: true,
		},
	}
	require.NoError(t, sched.Register(dep))
	require.Len(t, sched.Entries(), 1)

	dep.Schedule.Enabled = false
	require.NoError(t, sched.Register(dep))
	assert.Empty(t, sched.Entries())
}

func TestRegisterInactiveDeploymentRemoves(t *testing.T) {
	sched := NewScheduler(func(string) {}, time.Second, logger.Default())
	dep := &v1.Deployment{
		ID:     "dep-1",
		Status: v1.DeploymentStatusActive,
		Schedule: &v1.Schedule{
			Kind: v1.ScheduleKindCron, Expression: "@daily", Enabled: true,
		},
	}
	require.NoError(t, sched.Register(dep))

	dep.Status = v1.DeploymentStatusInactive
	require.NoError(t, sched.Register(dep))
	assert.Empty(t, sched.Entries())
}

func TestSchedulerFires(t *testing.T) {
	var fired atomic.Int32
	sched := NewScheduler(func(id string) {
		if id == "dep-1" {
			fired.Add(1)
		}
	}, time.Second, logger.Default())

	dep := &v1.Deployment{
		ID:     "dep-1",
		Status: v1.DeploymentStatusActive,
		Schedule: &v1.Schedule{
			Kind: v1.ScheduleKindInterval, Every: 1, Unit: "seconds", Enabled: true,
		},
	}
	require.NoError(t, sched.Register(dep))
	sched.Start()
	defer sched.Stop(context.Background())

	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSchedulerStopIdempotent(t *testing.T) {
	sched := NewScheduler(func(string) {}, 100*time.Millisecond, logger.Default())
	sched.Start()
	sched.Start()
	sched.Stop(context.Background())
	sched.Stop(context.Background())
}
