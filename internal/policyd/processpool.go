package policyd

import (
	"context"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// WorkerCommandFactory builds the *exec.Cmd for a fresh worker process. The
// embedding program supplies this (it knows its own executable path and
// which flag re-enters worker mode) — internal/policyd never re-execs
// itself directly, keeping process spawning out of the core's hands the
// same way plugin loading keeps module import out of the core's hands.
type WorkerCommandFactory func(ctrlFD *os.File) (*exec.Cmd, error)

// procWorker is the parent's handle on one worker subprocess.
type procWorker struct {
	name string
	cmd  *exec.Cmd
	ctrl *net.UnixConn
}

// ProcessPool is the subprocess worker backend (spec.md §4.7): N worker
// processes, each running an independent plugin chain, fed accepted
// connections by file-descriptor hand-off over a Unix domain control
// socket per worker. There is no shared memory between parent and
// workers — state and stats flow only over those control connections.
type ProcessPool struct {
	log     *zap.Logger
	workers []*procWorker

	states sync.Map // worker name -> string
	stats  *Statskeeper

	mu         sync.Mutex
	closed     bool
	nextWorker uint64
}

// NewProcessPool starts n worker subprocesses using factory to build each
// one's command, and a goroutine per worker draining its control
// connection for state/stats messages.
func NewProcessPool(ctx context.Context, n int, factory WorkerCommandFactory, stats *Statskeeper, log *zap.Logger) (*ProcessPool, error) {
	const op = errors.Op("policyd_process_pool_start")
	if n < 1 {
		n = 2 * runtime.NumCPU()
	}

	pool := &ProcessPool{log: log, stats: stats}

	for i := 0; i < n; i++ {
		w, err := pool.spawn(i, factory)
		if err != nil {
			pool.killAll()
			return nil, errors.E(op, err)
		}
		pool.workers = append(pool.workers, w)
		go pool.drain(w)
	}

	return pool, nil
}

func (p *ProcessPool) spawn(i int, factory WorkerCommandFactory) (*procWorker, error) {
	parentConn, childFile, err := socketpair()
	if err != nil {
		return nil, err
	}
	defer childFile.Close()

	cmd, err := factory(childFile)
	if err != nil {
		parentConn.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		parentConn.Close()
		return nil, err
	}

	name := "Worker-" + uuid.NewString()[:8]
	p.states.Store(name, "starting")
	return &procWorker{name: name, cmd: cmd, ctrl: parentConn}, nil
}

// drain runs in its own goroutine per worker, playing the role of the
// source's MessageListener thread: it folds incoming state and stats
// messages into the pool's shared view until the control connection
// closes (worker exited).
func (p *ProcessPool) drain(w *procWorker) {
	for {
		tag, _, err := recvMessage(w.ctrl)
		if err != nil {
			p.states.Store(w.name, "ended")
			return
		}
		switch tag {
		case ctrlState:
			payload, err := readFrame(w.ctrl)
			if err != nil {
				p.states.Store(w.name, "ended")
				return
			}
			p.states.Store(w.name, string(payload))
		case ctrlStats:
			payload, err := readFrame(w.ctrl)
			if err != nil {
				p.states.Store(w.name, "ended")
				return
			}
			if p.stats != nil {
				var delta StatDelta
				if jerr := jsoniter.Unmarshal(payload, &delta); jerr == nil {
					p.stats.Increase(delta)
				}
			}
		}
	}
}

// AddTask hands the task's connection off to the next worker in
// round-robin order by sending its file descriptor over that worker's
// control connection (spec.md §4.7 task queue). The FIFO ordering
// guarantee from the source's multiprocessing.Queue isn't reproduced
// (each worker has its own channel rather than sharing one queue), which
// is immaterial to the spec's guarantees: ordering is only promised
// within a session, never across sessions (spec.md §5).
func (p *ProcessPool) AddTask(ctx context.Context, t Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPoolClosed
	}
	n := atomic.AddUint64(&p.nextWorker, 1)
	workers := p.workers
	p.mu.Unlock()

	if len(workers) == 0 {
		return errors.E(errors.Op("policyd_process_pool_add_task"), errors.Str("no workers available"))
	}
	w := workers[int(n)%len(workers)]

	f, err := connFile(t.Conn)
	if err != nil {
		return err
	}
	defer f.Close()

	return sendFD(w.ctrl, ctrlTask, f)
}

// connFile extracts the *os.File backing a net.Conn so its descriptor can
// be passed over SCM_RIGHTS. Works for *net.TCPConn and *net.UnixConn, the
// only connection types this daemon ever hands off.
func connFile(conn net.Conn) (*os.File, error) {
	type fileConn interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(fileConn)
	if !ok {
		return nil, errors.E(errors.Op("policyd_conn_file"), errors.Str("connection type does not support File()"))
	}
	return fc.File()
}

// Shutdown implements the poison-pill protocol of spec.md §4.7: stop
// accepting tasks, tell every worker to exit, join with a timeout, and
// tear down control connections.
func (p *ProcessPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		_ = sendBareTag(w.ctrl, ctrlPoison)
	}

	deadline := time.Now().Add(120 * time.Second)
	for _, w := range workers {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		waitDone := make(chan error, 1)
		go func(w *procWorker) { waitDone <- w.cmd.Wait() }(w)
		select {
		case <-waitDone:
		case <-time.After(remaining):
			p.log.Warn("worker did not exit before join timeout, killing", zap.String("worker", w.name))
			_ = w.cmd.Process.Kill()
			<-waitDone
		}
		w.ctrl.Close()
	}

	return nil
}

func (p *ProcessPool) killAll() {
	for _, w := range p.workers {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		w.ctrl.Close()
	}
}

// Len reports the number of workers the pool started, including any that
// have since exited (there is no shared queue depth to report in the
// per-worker-channel model).
func (p *ProcessPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// States returns a snapshot of every worker's last published state string,
// the Go analogue of the source's shared multiprocessing dict.
func (p *ProcessPool) States() map[string]string {
	out := make(map[string]string)
	p.states.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

// DeferRemaining answers each of pending with the standard
// temporarily-unavailable defer response, written directly to the
// connection, and closes it. Server.Serve uses it for a connection whose
// dispatch failed. ProcessPool.Shutdown does not call it: connections
// already handed to a worker wait in that worker's control socket ahead of
// its poison pill and are handled by the worker as normal sessions, and a
// worker killed at the join timeout leaves any still waiting there
// unanswered.
func DeferRemaining(pending []Task, log *zap.Logger) {
	const message = "Temporarily unavailable... Please try again later."
	for _, t := range pending {
		resp := FormatResponse(Verdict{Action: Defer, Argument: message})
		if _, err := t.Conn.Write([]byte(resp)); err != nil {
			log.Warn("failed writing deferred response during shutdown", zap.Error(err))
		}
		_ = t.Conn.Close()
	}
}
