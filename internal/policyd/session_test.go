package policyd

import (
	"bufio"
	"context"
	"net"
	"testing"

	"go.uber.org/zap"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewConfig(zap.NewNop())
	PropagateDefaults(CoreRequiredVars(), cfg, "main")
	return cfg
}

func TestSessionInvalidAddressDefers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := newTestConfig(t)
	p := &fixedPlugin{name: "P", action: "dunno"}
	session := NewSession(server, cfg, []Plugin{p}, zap.NewNop())
	session.Validator = DefaultValidatorInstance

	done := make(chan struct{})
	go func() {
		session.Handle(context.Background())
		close(done)
	}()

	client.Write([]byte("sender=a@@b\nrecipient=c@d\n\n"))
	resp := readAll(t, client)
	<-done

	if resp != "action=defer invalid sender or recipient address\n\n" {
		t.Fatalf("unexpected response: %q", resp)
	}
	if p.called {
		t.Fatal("plugin must not run after an address-compliance failure")
	}
}

func TestSessionLazyLocalPartAcceptsInnerAt(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := newTestConfig(t)
	p := &fixedPlugin{name: "P", action: "dunno"}
	session := NewSession(server, cfg, []Plugin{p}, zap.NewNop())
	session.Validator = LazyLocalPartValidatorInstance

	done := make(chan struct{})
	go func() {
		session.Handle(context.Background())
		close(done)
	}()

	client.Write([]byte("sender=foo@bar@example.com\nrecipient=c@d\n\n"))
	resp := readAll(t, client)
	<-done

	if resp != "action=dunno\n\n" {
		t.Fatalf("unexpected response: %q", resp)
	}
	if !p.called {
		t.Fatal("plugin chain should have run once address validation passed")
	}
}

func TestSessionMalformedRequestLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := newTestConfig(t)
	p := &fixedPlugin{name: "P", action: "dunno"}
	session := NewSession(server, cfg, []Plugin{p}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		session.Handle(context.Background())
		close(done)
	}()

	client.Write([]byte("not-an-assignment\n\n"))
	resp := readAll(t, client)
	<-done

	if resp != "action=dunno\n\n" {
		t.Fatalf("unexpected response: %q", resp)
	}
	if p.called {
		t.Fatal("plugin chain must not run after a protocol error")
	}
}

func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	r := bufio.NewReader(conn)
	buf := make([]byte, 0, 64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		buf = append(buf, b)
		if len(buf) >= 2 && buf[len(buf)-1] == '\n' && buf[len(buf)-2] == '\n' {
			break
		}
	}
	return string(buf)
}
