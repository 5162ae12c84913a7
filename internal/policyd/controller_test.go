package policyd

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newControllerTestConfig() *Config {
	cfg := NewConfig(zap.NewNop())
	cfg.Set("main", "bindaddress", "127.0.0.1")
	cfg.Set("main", "incomingport", "19998 19999")
	cfg.Set("main", "plugins", "")
	cfg.Set("performance", "backend", "thread")
	cfg.Set("performance", "minthreads", "1")
	cfg.Set("performance", "maxthreads", "2")
	return cfg
}

func TestControllerStartupStartsOneListenerPerPort(t *testing.T) {
	cfg := newControllerTestConfig()
	c := NewController(cfg, zap.NewNop(), NewRegistry(), nil)

	if err := c.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	defer c.Shutdown(context.Background())

	c.mu.Lock()
	_, has9998 := c.servers[19998]
	_, has9999 := c.servers[19999]
	n := len(c.servers)
	c.mu.Unlock()

	if !has9998 || !has9999 || n != 2 {
		t.Fatalf("expected listeners on 19998 and 19999, got %d servers", n)
	}
}

func TestControllerReloadReconcilesPortSet(t *testing.T) {
	cfg := newControllerTestConfig()
	c := NewController(cfg, zap.NewNop(), NewRegistry(), nil)

	if err := c.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	defer c.Shutdown(context.Background())

	c.mu.Lock()
	keptServer := c.servers[19999]
	c.mu.Unlock()
	if keptServer == nil {
		t.Fatal("expected a listener on 19999 before reload")
	}

	cfg.Set("main", "incomingport", "19999 20000")
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	// give the closed 19998 listener's accept loop a moment to unwind
	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, stillThere := c.servers[19998]; stillThere {
		t.Fatal("expected the listener on 19998 to be closed after reload")
	}
	if c.servers[19999] != keptServer {
		t.Fatal("expected the listener on 19999 to retain its original instance across reload")
	}
	if _, has20000 := c.servers[20000]; !has20000 {
		t.Fatal("expected a new listener on 20000 after reload")
	}
}
