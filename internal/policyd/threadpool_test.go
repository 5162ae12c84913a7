package policyd

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestThreadPoolRunsQueuedSessions(t *testing.T) {
	pool := NewThreadPool(2, 4, zap.NewNop())
	defer pool.Shutdown(context.Background())

	var ran int32
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		client, server := net.Pipe()
		cfg := newTestConfig(t)
		p := &countingPlugin{wg: &wg, counter: &ran}
		session := NewSession(server, cfg, []Plugin{p}, zap.NewNop())
		go func() {
			// the other half of net.Pipe must write a request and drain the
			// response, or Handle's reads/writes block forever.
			client.Write([]byte("\n"))
			buf := make([]byte, 64)
			client.Read(buf)
			client.Close()
		}()
		if err := pool.AddTask(context.Background(), Task{Conn: server, Session: session}); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queued sessions to run")
	}

	if atomic.LoadInt32(&ran) != 5 {
		t.Fatalf("expected 5 sessions to run, got %d", ran)
	}
}

type countingPlugin struct {
	wg      *sync.WaitGroup
	counter *int32
}

func (c *countingPlugin) Examine(context.Context, *Suspect) (string, string, error) {
	atomic.AddInt32(c.counter, 1)
	c.wg.Done()
	return "dunno", "", nil
}
func (c *countingPlugin) Section() string                     { return "Counting" }
func (c *countingPlugin) RequiredVars() map[string]RequiredVar { return nil }

func TestThreadPoolShutdownRejectsNewTasks(t *testing.T) {
	pool := NewThreadPool(1, 1, zap.NewNop())
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	client, server := net.Pipe()
	defer client.Close()
	if err := pool.AddTask(context.Background(), Task{Conn: server}); err != errPoolClosed {
		t.Fatalf("expected errPoolClosed, got %v", err)
	}
}
