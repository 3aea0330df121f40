package runner_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/satellite/runner"
)

func TestLocksGate(t *testing.T) {
	locks := runner.NewLocks()

	// Readers overlap.
	release1, err := locks.TryReader()
	require.NoError(t, err)
	release2, err := locks.TryReader()
	require.NoError(t, err)

	// A writer is shut out while readers hold the gate.
	_, err = locks.TryWriter()
	require.True(t, runner.ErrBusy.Has(err))

	release1()
	release2()

	release, err := locks.TryWriter()
	require.NoError(t, err)

	// Readers and writers are shut out while a writer holds the gate.
	_, err = locks.TryReader()
	require.True(t, runner.ErrBusy.Has(err))
	_, err = locks.TryWriter()
	require.True(t, runner.ErrBusy.Has(err))

	release()

	release, err = locks.TryReader()
	require.NoError(t, err)
	release()
}

func TestLocksNamed(t *testing.T) {
	locks := runner.NewLocks()

	release, err := locks.TryNamed(runner.LockSubarchives)
	require.NoError(t, err)

	_, err = locks.TryNamed(runner.LockSubarchives)
	require.True(t, runner.ErrBusy.Has(err))

	// Distinct names do not contend.
	other, err := locks.TryNamed(runner.LockContents)
	require.NoError(t, err)
	other()

	release()
	release, err = locks.TryNamed(runner.LockSubarchives)
	require.NoError(t, err)
	release()

	_, err = locks.TryNamed("unknown")
	require.Error(t, err)
	require.False(t, runner.ErrBusy.Has(err))
}

func TestRunnerReleasesLockAfterJob(t *testing.T) {
	locks := runner.NewLocks()
	run := runner.New(zaptest.NewLogger(t))
	defer func() { require.NoError(t, run.Close()) }()

	release, err := locks.TryNamed(runner.LockPageEmbeddings)
	require.NoError(t, err)

	done := make(chan struct{})
	run.Go("test-job", release, func(ctx context.Context) error {
		defer close(done)
		_, err := locks.TryNamed(runner.LockPageEmbeddings)
		require.True(t, runner.ErrBusy.Has(err))
		return nil
	})

	<-done
	require.Eventually(t, func() bool {
		release, err := locks.TryNamed(runner.LockPageEmbeddings)
		if err != nil {
			return false
		}
		release()
		return true
	}, time.Second, time.Millisecond)
}

func TestRunnerCloseCancelsJobs(t *testing.T) {
	run := runner.New(zaptest.NewLogger(t))

	var canceled atomic.Bool
	started := make(chan struct{})
	run.Go("blocking-job", nil, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	})

	<-started
	require.NoError(t, run.Close())
	require.True(t, canceled.Load())

	// Jobs submitted after close are dropped and their locks released.
	locks := runner.NewLocks()
	release, err := locks.TryWriter()
	require.NoError(t, err)
	run.Go("late-job", release, func(ctx context.Context) error {
		t.Error("job ran after close")
		return nil
	})
	release, err = locks.TryWriter()
	require.NoError(t, err)
	release()
}
