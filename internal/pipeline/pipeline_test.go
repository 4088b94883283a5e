package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestSchedule_Next(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"0 3 1 * *", utc(2026, 1, 15, 10, 0), utc(2026, 2, 1, 3, 0)},
		{"*/15 * * * *", utc(2026, 1, 15, 10, 7), utc(2026, 1, 15, 10, 15)},
		{"*/15 * * * *", time.Date(2026, 1, 15, 10, 45, 30, 0, time.UTC), utc(2026, 1, 15, 11, 0)},
		{"30 2 * * *", utc(2026, 1, 15, 2, 30), utc(2026, 1, 16, 2, 30)},
		// Saturday -> next weekday morning.
		{"0 9 * * 1-5", utc(2026, 10, 17, 10, 0), utc(2026, 10, 19, 9, 0)},
		// Sunday written as 7.
		{"0 0 * * 7", utc(2026, 10, 15, 0, 0), utc(2026, 10, 18, 0, 0)},
		// Both day fields restricted: either may match.
		{"0 0 13 * 5", utc(2026, 10, 15, 0, 0), utc(2026, 10, 16, 0, 0)},
		{"0 0 1,15 * *", utc(2026, 12, 20, 0, 0), utc(2027, 1, 1, 0, 0)},
		{"5/20 8-9 * * *", utc(2026, 1, 15, 8, 30), utc(2026, 1, 15, 8, 45)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(tt.after))
		})
	}
}

func TestSchedule_NeverFires(t *testing.T) {
	s, err := ParseSchedule("0 0 30 2 *")
	require.NoError(t, err)
	assert.True(t, s.Next(utc(2026, 1, 1, 0, 0)).IsZero())
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, expr := range []string{
		"* * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"* * * 13 *",
		"* * * * 8",
	} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
}

type fakeBlobArchiver struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	jobsErr  error
	rebCalls int
}

func (f *fakeBlobArchiver) ArchiveJobs(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return 3, f.jobsErr
}

func (f *fakeBlobArchiver) ArchiveRebalances(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebCalls++
	return 1, nil
}

func TestArchiver_RunUsesRetentionCutoff(t *testing.T) {
	blob := &fakeBlobArchiver{}
	a := NewArchiver(blob, 30, discardLogger())
	a.now = func() time.Time { return utc(2026, 3, 31, 3, 0) }

	require.NoError(t, a.Run(context.Background()))
	require.Len(t, blob.cutoffs, 1)
	assert.Equal(t, utc(2026, 3, 1, 3, 0), blob.cutoffs[0])
	assert.Equal(t, 1, blob.rebCalls)
}

func TestArchiver_RunStopsOnJobError(t *testing.T) {
	blob := &fakeBlobArchiver{jobsErr: errors.New("bucket gone")}
	a := NewArchiver(blob, 30, discardLogger())

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
	assert.Zero(t, blob.rebCalls)
}

func TestArchiver_RunCronRejectsBadExpression(t *testing.T) {
	a := NewArchiver(&fakeBlobArchiver{}, 30, discardLogger())
	err := a.RunCron(context.Background(), "every day")
	require.Error(t, err)
}

func TestArchiver_RunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeBlobArchiver{}, 30, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunCron(ctx, "0 3 1 * *"), context.Canceled)
}

type scriptedRunner struct {
	calls  atomic.Int32
	script []error
}

func (r *scriptedRunner) RunCycle(ctx context.Context) (domain.CycleSummary, error) {
	n := int(r.calls.Add(1)) - 1
	if n < len(r.script) {
		return domain.CycleSummary{}, r.script[n]
	}
	return domain.CycleSummary{}, nil
}

func TestOrchestrator_StopsOnFatalCycle(t *testing.T) {
	runner := &scriptedRunner{script: []error{
		nil,
		domain.ErrCycleInProgress,
		errors.New("one-off"),
		fmt.Errorf("keeper: list positions: %w: %w", domain.ErrFatalInfrastructure, errors.New("conn refused")),
	}}
	o := NewOrchestrator(runner, 5*time.Millisecond, StreamConfig{}, nil, "", discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatalInfrastructure)
	assert.Equal(t, int32(4), runner.calls.Load())
}

func TestOrchestrator_CleanShutdown(t *testing.T) {
	runner := &scriptedRunner{}
	o := NewOrchestrator(runner, 5*time.Millisecond, StreamConfig{}, nil, "", discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for runner.calls.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	assert.NoError(t, o.Run(ctx))
	assert.GreaterOrEqual(t, runner.calls.Load(), int32(3))
}
