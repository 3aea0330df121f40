// Package testcontext implements convenience context for testing.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context is a context that adds temporary directories and
// goroutine tracking to tests.
type Context struct {
	context.Context
	group  *errgroup.Group
	test   testing.TB
	cancel context.CancelFunc

	once      sync.Once
	directory string
}

// New creates a new test context.
func New(test testing.TB) *Context {
	parent, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	group, ctx := errgroup.WithContext(parent)
	return &Context{
		Context: ctx,
		group:   group,
		test:    test,
		cancel:  cancel,
	}
}

// Go runs fn in a goroutine. Call Wait or Cleanup to check the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside a test-scoped temporary directory.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = os.MkdirTemp("", "satellite-test")
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside a test-scoped temporary directory.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one argument")
	}
	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// Cleanup waits for all goroutines to finish, checks their errors, and
// deletes the temporary directory.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	defer ctx.cancel()
	defer ctx.deleteTemporary()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	if err := os.RemoveAll(ctx.directory); err != nil {
		ctx.test.Fatal(err)
	}
}
