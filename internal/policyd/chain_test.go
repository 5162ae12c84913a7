package policyd

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

// fixedPlugin is a minimal test double returning a fixed action/argument,
// recording whether it was ever invoked.
type fixedPlugin struct {
	name    string
	action  string
	arg     string
	called  bool
}

func (p *fixedPlugin) Examine(_ context.Context, _ *Suspect) (string, string, error) {
	p.called = true
	return p.action, p.arg, nil
}
func (p *fixedPlugin) Section() string                        { return p.name }
func (p *fixedPlugin) RequiredVars() map[string]RequiredVar    { return nil }
func (p *fixedPlugin) String() string                          { return p.name }

func TestRunChainSimpleDunno(t *testing.T) {
	p := &fixedPlugin{name: "P", action: "dunno"}
	suspect := NewSuspect(map[string]string{"sender": "a@b", "recipient": "c@d"})

	verdict := RunChain(context.Background(), zap.NewNop(), suspect, []Plugin{p})

	if verdict.Action != Dunno {
		t.Fatalf("expected dunno, got %v", verdict.Action)
	}
	if len(suspect.Tags.Decisions) != 1 || suspect.Tags.Decisions[0] != (Decision{Plugin: "P", Action: Dunno}) {
		t.Fatalf("unexpected decisions: %+v", suspect.Tags.Decisions)
	}
}

func TestRunChainRejectWithReason(t *testing.T) {
	p := &fixedPlugin{name: "P", action: "reject", arg: "blocked by policy"}
	suspect := NewSuspect(map[string]string{"sender": "a@b", "recipient": "c@d"})

	verdict := RunChain(context.Background(), zap.NewNop(), suspect, []Plugin{p})

	if verdict.Action != Reject || verdict.Argument != "blocked by policy" {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if FormatResponse(verdict) != "action=reject blocked by policy\n\n" {
		t.Fatalf("unexpected response: %q", FormatResponse(verdict))
	}
}

func TestRunChainShortCircuits(t *testing.T) {
	p1 := &fixedPlugin{name: "P1", action: "dunno"}
	p2 := &fixedPlugin{name: "P2", action: "DEFER"}
	p3 := &fixedPlugin{name: "P3", action: "reject"}
	suspect := NewSuspect(nil)

	verdict := RunChain(context.Background(), zap.NewNop(), suspect, []Plugin{p1, p2, p3})

	if verdict.Action != Defer {
		t.Fatalf("expected defer, got %v", verdict.Action)
	}
	if len(suspect.Tags.Decisions) != 2 {
		t.Fatalf("expected exactly two decisions, got %d", len(suspect.Tags.Decisions))
	}
	if p3.called {
		t.Fatal("P3 must never be invoked after P2 short-circuits")
	}
}

func TestRunChainSetsScanTime(t *testing.T) {
	p := &fixedPlugin{name: "P", action: "dunno"}
	suspect := NewSuspect(nil)

	RunChain(context.Background(), zap.NewNop(), suspect, []Plugin{p})

	if suspect.Tags.ScanTime == "" {
		t.Fatal("expected scantime to be populated")
	}
}

func TestRunChainRecoversPluginPanic(t *testing.T) {
	suspect := NewSuspect(nil)
	panicking := panicPlugin{name: "P"}

	verdict := RunChain(context.Background(), zap.NewNop(), suspect, []Plugin{panicking})

	if verdict.Action != Dunno {
		t.Fatalf("expected a panicking plugin to be treated as dunno, got %v", verdict.Action)
	}
}

type panicPlugin struct{ name string }

func (p panicPlugin) Examine(context.Context, *Suspect) (string, string, error) {
	panic("boom")
}
func (p panicPlugin) Section() string                     { return p.name }
func (p panicPlugin) RequiredVars() map[string]RequiredVar { return nil }
