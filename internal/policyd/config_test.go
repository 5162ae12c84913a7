package policyd

import (
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func TestSetDefaultIsIdempotent(t *testing.T) {
	cfg := NewConfig(zap.NewNop())
	vars := CoreRequiredVars()

	PropagateDefaults(vars, cfg, "main")
	first := snapshotSections(cfg)

	cfg.Set("main", "bindaddress", "0.0.0.0")
	PropagateDefaults(vars, cfg, "main")
	second := snapshotSections(cfg)

	if second["main"]["bindaddress"] != "0.0.0.0" {
		t.Fatal("a second propagation must not overwrite an explicitly set value")
	}
	delete(first["main"], "bindaddress")
	delete(second["main"], "bindaddress")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("propagate_defaults is not idempotent:\nfirst=%+v\nsecond=%+v", first, second)
	}
}

func snapshotSections(cfg *Config) map[string]map[string]string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	out := make(map[string]map[string]string, len(cfg.sections))
	for section, opts := range cfg.sections {
		copyOpts := make(map[string]string, len(opts))
		for k, v := range opts {
			copyOpts[k] = v
		}
		out[section] = copyOpts
	}
	return out
}

func TestResolveAlias(t *testing.T) {
	cfg := NewConfig(zap.NewNop())
	cfg.Set("PluginAlias", "short", "fully.Qualified.Name")

	if got := cfg.ResolveAlias("short"); got != "fully.Qualified.Name" {
		t.Fatalf("got %q", got)
	}
	if got := cfg.ResolveAlias("unaliased"); got != "unaliased" {
		t.Fatalf("got %q", got)
	}
}

func TestAddressComplianceFailActionFoldsUnknown(t *testing.T) {
	cfg := NewConfig(zap.NewNop())
	cfg.Set("main", "address_compliance_fail_action", "reject")
	if cfg.AddressComplianceFailAction() != Reject {
		t.Fatal("expected reject")
	}

	cfg.Set("main", "address_compliance_fail_action", "nonsense")
	if cfg.AddressComplianceFailAction() != Defer {
		t.Fatal("expected fallback to defer for an unrecognized value")
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	data := []byte("main:\n  bindaddress: 0.0.0.0\n  incomingport: \"9998 9999\"\nperformance:\n  maxthreads: 10\n")
	cfg, err := LoadYAMLConfig(data, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BindAddress() != "0.0.0.0" {
		t.Fatalf("got %q", cfg.BindAddress())
	}
	if cfg.MaxThreads() != 10 {
		t.Fatalf("got %d", cfg.MaxThreads())
	}
	if cfg.IncomingPort() != "9998 9999" {
		t.Fatalf("got %q", cfg.IncomingPort())
	}
}
