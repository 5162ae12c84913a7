package policyd

import (
	"context"
	"regexp"
	"strings"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// RequiredVar documents one configuration option a Plugin (or the
// controller itself) needs, with an optional default and validator.
type RequiredVar struct {
	Section     string
	Description string
	Default     string
	Validate    func(string) error
}

// Plugin is the capability set a decision plugin must provide. There is no
// shared base type — Registry resolves a structured name to a constructor
// that returns anything satisfying this interface (Design Notes §9).
type Plugin interface {
	// Examine evaluates suspect and returns a raw (possibly mixed-case,
	// padded) action plus an optional argument. The chain runner, not the
	// plugin, is responsible for normalization.
	Examine(ctx context.Context, s *Suspect) (action string, argument string, err error)
	// Section names the configuration section this plugin reads from.
	Section() string
	// RequiredVars lists configuration options this plugin needs, keyed by
	// option name.
	RequiredVars() map[string]RequiredVar
}

// Linter is an optional capability: a plugin self-test invoked by
// Controller.Lint. Checked with a type assertion, not required by Plugin.
type Linter interface {
	Lint() error
}

// PluginName returns a stable display name for a plugin, preferring a fmt.Stringer
// implementation if the plugin provides one, falling back to its section.
func PluginName(p Plugin) string {
	if s, ok := p.(interface{ String() string }); ok {
		return s.String()
	}
	return p.Section()
}

// Constructor builds a Plugin instance from shared configuration, optionally
// overriding its configuration section. Constructors that don't support a
// section override should return an error when section != "".
type Constructor func(cfg *Config, section string) (Plugin, error)

// Registry resolves symbolic plugin names (after alias substitution) to
// constructors. NewRegistry builds an isolated one; plugin packages register
// themselves into the shared DefaultRegistry in an init() the way
// database/sql drivers do.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry is the process-wide registry plugin packages self-register
// into from an init() function, the same database/sql-driver pattern the
// Registry doc comment above describes. Embedding programs that don't need
// isolated registries (the common case) use this one directly.
var DefaultRegistry = NewRegistry()

// Register adds a constructor under a structured name. Re-registering the
// same name replaces the previous constructor, matching Go's database/sql
// driver-registration idiom rather than panicking.
func (r *Registry) Register(structuredName string, ctor Constructor) {
	r.constructors[structuredName] = ctor
}

var pluginSpecRe = regexp.MustCompile(`^(?P<name>[A-Za-z0-9._-]+)(?:\((?P<section>[A-Za-z0-9._-]+)\))?$`)

// LoadAll parses a comma-separated plugin spec string (spec.md §4.4),
// resolves aliases, and instantiates each plugin. It always returns the
// plugins it managed to build, plus whether every one of them succeeded;
// the caller decides whether a partial success is fatal.
func (r *Registry) LoadAll(spec string, cfg *Config) ([]Plugin, bool) {
	var out []Plugin
	allOK := true

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		m := pluginSpecRe.FindStringSubmatch(entry)
		if m == nil {
			cfg.Logger().Error("invalid plugin syntax", zap.String("entry", entry))
			allOK = false
			continue
		}
		name, section := m[1], m[2]
		name = cfg.ResolveAlias(name)

		ctor, ok := r.constructors[name]
		if !ok {
			cfg.Logger().Error("unresolved plugin name", zap.String("name", name))
			allOK = false
			continue
		}

		plug, err := ctor(cfg, section)
		if err != nil {
			cfg.Logger().Error("could not load plugin", zap.String("name", name), zap.Error(err))
			allOK = false
			continue
		}
		out = append(out, plug)
	}

	return out, allOK
}

// LoadChain is a convenience wrapper returning a load error instead of a
// bool, for call sites that want a single err check.
func (r *Registry) LoadChain(spec string, cfg *Config) ([]Plugin, error) {
	const op = errors.Op("policyd_load_chain")
	plugins, ok := r.LoadAll(spec, cfg)
	if !ok {
		return plugins, errors.E(op, errors.Str("some plugins failed to load: "+spec))
	}
	return plugins, nil
}

// PropagateDefaults inserts each RequiredVar's default into cfg wherever the
// option is missing, creating sections as needed. Calling it twice is a
// no-op the second time (idempotent, per spec.md §8).
func PropagateDefaults(vars map[string]RequiredVar, cfg *Config, defaultSection string) {
	for option, rv := range vars {
		section := rv.Section
		if section == "" {
			section = defaultSection
		}
		cfg.SetDefault(section, option, rv.Default)
	}
}

// PropagatePluginDefaults applies PropagateDefaults for every loaded plugin
// that declares required vars, using the plugin's own section as the
// fallback.
func PropagatePluginDefaults(plugins []Plugin, cfg *Config) {
	for _, p := range plugins {
		if vars := p.RequiredVars(); len(vars) > 0 {
			PropagateDefaults(vars, cfg, p.Section())
		}
	}
}
