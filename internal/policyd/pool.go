package policyd

import (
	"context"
	"net"
)

// Task is a unit of work a WorkerPool executes. Conn is the raw accepted
// connection — the process backend needs it to hand the underlying file
// descriptor off to a worker subprocess; Session is the fully-constructed,
// in-process-runnable session the thread backend (and inline/no-pool mode)
// executes directly.
type Task struct {
	Conn    net.Conn
	Session *Session
}

func (t Task) run(ctx context.Context) {
	if t.Session != nil {
		t.Session.Handle(ctx)
	}
}

// WorkerPool is the abstract queue of runnable sessions shared by the
// thread and process backends (spec.md §3 "Worker Pool").
type WorkerPool interface {
	// AddTask enqueues a task, blocking while the queue is full
	// (backpressure).
	AddTask(ctx context.Context, t Task) error
	// Shutdown stops accepting tasks, drains or cancels in-flight work, and
	// returns once every worker has exited or the context is done.
	Shutdown(ctx context.Context) error
	// Len reports the current queue depth, for introspection.
	Len() int
}
