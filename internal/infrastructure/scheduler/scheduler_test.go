package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
	err  error
	runs atomic.Int64
}

func (j *stubJob) Name() string        { return j.name }
func (j *stubJob) Description() string { return "stub job" }
func (j *stubJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestScheduler_RegisterDuplicate(t *testing.T) {
	s := New(DefaultConfig())
	job := &stubJob{name: "digest"}

	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))

	err := s.Register(job, NewIntervalSchedule(time.Minute))
	assert.ErrorIs(t, err, ErrJobAlreadyExists)
}

func TestScheduler_RegisterNil(t *testing.T) {
	s := New(DefaultConfig())

	assert.ErrorIs(t, s.Register(nil, NewIntervalSchedule(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&stubJob{name: "x"}, nil), ErrNilSchedule)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(DefaultConfig())
	job := &stubJob{name: "scan_cycle"}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	result, err := s.RunNow(context.Background(), "scan_cycle")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Manual)
	assert.Equal(t, int64(1), job.runs.Load())

	history := s.GetHistory(10)
	require.Len(t, history, 1)
	assert.Equal(t, "scan_cycle", history[0].JobName)
}

func TestScheduler_RunNow_JobFailure(t *testing.T) {
	s := New(DefaultConfig())
	wantErr := errors.New("backend down")
	job := &stubJob{name: "scan_cycle", err: wantErr}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	result, err := s.RunNow(context.Background(), "scan_cycle")

	assert.ErrorIs(t, err, wantErr)
	assert.False(t, result.Success)

	snapshot := s.GetMetrics().Snapshot()
	assert.Equal(t, int64(1), snapshot.TotalExecutions)
	assert.Equal(t, int64(1), snapshot.TotalFailures)
}

func TestScheduler_RunNow_UnknownJob(t *testing.T) {
	s := New(DefaultConfig())

	_, err := s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScheduler_EnableDisable(t *testing.T) {
	s := New(DefaultConfig())
	job := &stubJob{name: "digest"}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))

	require.NoError(t, s.DisableJob("digest"))
	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Enabled)

	require.NoError(t, s.EnableJob("digest"))
	jobs = s.ListJobs()
	assert.True(t, jobs[0].Enabled)

	assert.ErrorIs(t, s.DisableJob("missing"), ErrJobNotFound)
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}
