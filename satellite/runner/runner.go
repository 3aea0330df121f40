// Package runner coordinates the satellite's long-running jobs: it hands out
// non-blocking locks over shared resources and runs jobs in the background.
package runner

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default runner errs class.
	Error = errs.Class("runner")

	// ErrBusy is returned when a job's locks are already held.
	ErrBusy = errs.Class("resource busy")
)

// Named locks guarding the deduplication and filesystem resources.
const (
	LockPageEmbeddings  = "page_embeddings"
	LockSubarchives     = "subarchives"
	LockNhentaiArchives = "nhentai_archives_data"
	LockContents        = "contents"
)

// Locks is the satellite's lock table. The local database is guarded by a
// read-write gate: heavy jobs (scan, upload, metadata) hold the write side
// exclusively, while query endpoints hold the read side and may overlap.
// Named locks serialize individual deduplication stages. All acquisitions
// are non-blocking; a busy lock is reported to the caller instead of waited
// on.
type Locks struct {
	gate  sync.RWMutex
	named map[string]*sync.Mutex
}

// NewLocks constructs the lock table.
func NewLocks() *Locks {
	named := make(map[string]*sync.Mutex)
	for _, name := range []string{
		LockPageEmbeddings,
		LockSubarchives,
		LockNhentaiArchives,
		LockContents,
	} {
		named[name] = &sync.Mutex{}
	}
	return &Locks{named: named}
}

// TryReader acquires the read side of the database gate.
func (locks *Locks) TryReader() (release func(), err error) {
	if !locks.gate.TryRLock() {
		return nil, ErrBusy.New("database is locked by a writer")
	}
	return locks.gate.RUnlock, nil
}

// TryWriter acquires the write side of the database gate.
func (locks *Locks) TryWriter() (release func(), err error) {
	if !locks.gate.TryLock() {
		return nil, ErrBusy.New("database is locked")
	}
	return locks.gate.Unlock, nil
}

// TryNamed acquires a named lock.
func (locks *Locks) TryNamed(name string) (release func(), err error) {
	mu, ok := locks.named[name]
	if !ok {
		return nil, Error.New("unknown lock %q", name)
	}
	if !mu.TryLock() {
		return nil, ErrBusy.New("%s is locked", name)
	}
	return mu.Unlock, nil
}

// Runner executes jobs in the background, bound to the peer's lifecycle.
type Runner struct {
	log *zap.Logger

	mu      sync.Mutex
	root    context.Context
	cancel  context.CancelFunc
	working sync.WaitGroup
	closed  bool
}

// New constructs a runner whose jobs are canceled when the runner closes.
func New(log *zap.Logger) *Runner {
	root, cancel := context.WithCancel(context.Background())
	return &Runner{log: log, root: root, cancel: cancel}
}

// Go runs the job in the background, releasing the given locks when it
// finishes. Job failures are logged rather than propagated: callers have
// already been answered by the time the job runs.
func (runner *Runner) Go(name string, release func(), job func(ctx context.Context) error) {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.closed {
		if release != nil {
			release()
		}
		return
	}

	runner.working.Add(1)
	go func() {
		defer runner.working.Done()
		if release != nil {
			defer release()
		}

		ctx := runner.root
		var err error
		defer mon.TaskNamed(name)(&ctx)(&err)

		runner.log.Info("job started", zap.String("job", name))
		if err = job(ctx); err != nil {
			runner.log.Error("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		runner.log.Info("job finished", zap.String("job", name))
	}()
}

// Close cancels running jobs and waits for them to return.
func (runner *Runner) Close() error {
	runner.mu.Lock()
	runner.closed = true
	runner.mu.Unlock()

	runner.cancel()
	runner.working.Wait()
	return nil
}
