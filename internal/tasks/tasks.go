// Package tasks keeps track of the background work a connection owns.
//
// Every task is registered under a Role when it is created. Cancellation walks
// the registry and skips the roles it is asked to spare, so the routine that
// performs the cancellation never cancels its own cleanup path.
package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/casualjim/topicbus/internal/registry"
	"github.com/casualjim/topicbus/pkg/uuidx"
)

// Role tags a task with the part it plays for its owner.
type Role string

const (
	// RoleWatcher waits for the transport to close.
	RoleWatcher Role = "watcher"
	// RoleListener consumes deliveries from a queue.
	RoleListener Role = "listener"
	// RoleDispatch drains a buffered delivery queue into a handler.
	RoleDispatch Role = "dispatch"
	// RolePublish is an in-flight publish.
	RolePublish Role = "publish"
	// RoleStop is an in-flight stop routine.
	RoleStop Role = "stop"
)

// ErrCancelled is the cause used when CancelAll is given a nil cause.
var ErrCancelled = errors.New("task cancelled")

type task struct {
	id     string
	role   Role
	cancel context.CancelCauseFunc
}

// Group is a registry of cancellable tasks.
// The zero value is not usable, create one with New.
type Group struct {
	tasks registry.Registry[*task]
	wg    sync.WaitGroup
}

// New creates an empty Group.
func New() *Group {
	return &Group{tasks: registry.New[*task]()}
}

// Go runs fn in a new goroutine registered under role. The context handed to
// fn is cancelled by CancelAll, context.Cause reports the cancellation cause.
// The returned Handle reports when fn has returned and what it returned.
func (g *Group) Go(ctx context.Context, role Role, fn func(context.Context) error) *Handle {
	tctx, cancel, release := g.track(ctx, role)
	h := &Handle{done: make(chan struct{}), cancel: cancel}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(h.done)
		defer release()
		h.err = fn(tctx)
	}()
	return h
}

// Track registers work that runs on the caller's goroutine. The returned
// context is cancelled by CancelAll unless role is spared, release removes the
// entry and must be called once the work ends.
func (g *Group) Track(ctx context.Context, role Role) (context.Context, func()) {
	tctx, _, release := g.track(ctx, role)
	return tctx, release
}

func (g *Group) track(ctx context.Context, role Role) (context.Context, context.CancelCauseFunc, func()) {
	tctx, cancel := context.WithCancelCause(ctx)
	t := &task{id: uuidx.NewString(), role: role, cancel: cancel}
	g.tasks.Add(t.id, t)

	var once sync.Once
	return tctx, cancel, func() {
		once.Do(func() {
			g.tasks.Del(t.id)
			cancel(context.Canceled)
		})
	}
}

// CancelAll cancels every registered task whose role is not in except and
// returns how many were cancelled.
func (g *Group) CancelAll(cause error, except ...Role) int {
	if cause == nil {
		cause = ErrCancelled
	}

	var victims []*task
	g.tasks.ForEach(func(_ string, t *task) bool {
		for _, r := range except {
			if t.role == r {
				return true
			}
		}
		victims = append(victims, t)
		return true
	})

	for _, t := range victims {
		t.cancel(cause)
	}
	return len(victims)
}

// Count returns the number of live tasks with the given role.
func (g *Group) Count(role Role) int {
	n := 0
	g.tasks.ForEach(func(_ string, t *task) bool {
		if t.role == role {
			n++
		}
		return true
	})
	return n
}

// Wait blocks until every goroutine started with Go has returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle observes a task started with Group.Go.
type Handle struct {
	done   chan struct{}
	err    error
	cancel context.CancelCauseFunc
}

// Cancel cancels this task alone with cause, ErrCancelled when cause is nil.
// It does not wait for the task to return, see Done.
func (h *Handle) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	h.cancel(cause)
}

// Done is closed when the task returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's result. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
