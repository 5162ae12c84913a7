package policyd

import (
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is a process-wide, section/option string store mirroring Python's
// ConfigParser semantics (spec.md §6.3): every value is a string, sections
// are created lazily, and defaults are only ever written into missing slots.
// Apart from the LoadYAMLConfig adapter below, which cmd/policyd calls to
// fill it from a YAML file, the core only reads and mutates this
// already-populated structure, matching the teacher's injected Configurer.
type Config struct {
	mu       sync.RWMutex
	sections map[string]map[string]string
	log      *zap.Logger
}

// NewConfig returns an empty, ready-to-populate Config.
func NewConfig(log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	return &Config{sections: make(map[string]map[string]string), log: log}
}

// LoadYAMLConfig decodes a nested "section: {option: value}" YAML document
// into a Config. This is the one place in internal/policyd that decodes a
// config file format: it turns YAML bytes into the generic store the rest
// of the core operates on.
func LoadYAMLConfig(data []byte, log *zap.Logger) (*Config, error) {
	raw := make(map[string]map[string]any)
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	cfg := NewConfig(log)
	for section, options := range raw {
		for option, value := range options {
			cfg.Set(section, option, stringifyYAMLValue(value))
		}
	}
	return cfg, nil
}

func stringifyYAMLValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return strings.TrimSpace(yamlScalar(v))
	}
}

func yamlScalar(v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Logger returns the logger this config was constructed with.
func (c *Config) Logger() *zap.Logger {
	return c.log
}

// Has reports whether section exists.
func (c *Config) Has(section string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[section]
	return ok
}

// HasOption reports whether section/option exists.
func (c *Config) HasOption(section, option string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts, ok := c.sections[section]
	if !ok {
		return false
	}
	_, ok = opts[option]
	return ok
}

// Get returns section/option, or ok=false if either is missing.
func (c *Config) Get(section, option string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts, ok := c.sections[section]
	if !ok {
		return "", false
	}
	v, ok := opts[option]
	return v, ok
}

// GetOr returns section/option, or fallback if either is missing.
func (c *Config) GetOr(section, option, fallback string) string {
	if v, ok := c.Get(section, option); ok {
		return v
	}
	return fallback
}

// GetIntOr returns section/option parsed as an int, or fallback if missing
// or unparseable.
func (c *Config) GetIntOr(section, option string, fallback int) int {
	v, ok := c.Get(section, option)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// Set writes section/option unconditionally, creating the section if
// needed.
func (c *Config) Set(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sections[section] == nil {
		c.sections[section] = make(map[string]string)
	}
	c.sections[section][option] = value
}

// SetDefault writes section/option only if it is currently unset, creating
// the section if needed. Calling it twice with the same arguments is a
// no-op the second time (spec.md §8 "default propagation idempotence").
func (c *Config) SetDefault(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sections[section] == nil {
		c.sections[section] = make(map[string]string)
	}
	if _, ok := c.sections[section][option]; !ok {
		c.sections[section][option] = value
	}
}

// ResolveAlias substitutes a short plugin name via the [PluginAlias]
// section, returning the name unchanged if there's no alias section or no
// entry for it (spec.md §4.4).
func (c *Config) ResolveAlias(name string) string {
	if v, ok := c.Get("PluginAlias", name); ok {
		return v
	}
	return name
}

// --- typed accessors for the options spec.md §6.3 names ---

func (c *Config) Identifier() string { return c.GetOr("main", "identifier", "dist") }

func (c *Config) PluginDir() []string {
	raw := c.GetOr("main", "plugindir", "")
	var dirs []string
	for _, d := range strings.Split(raw, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func (c *Config) PluginsSpec() string { return c.GetOr("main", "plugins", "") }

func (c *Config) BindAddress() string { return c.GetOr("main", "bindaddress", "127.0.0.1") }

func (c *Config) IncomingPort() string { return c.GetOr("main", "incomingport", "9998") }

func (c *Config) AddressComplianceChecker() string {
	return c.GetOr("main", "address_compliance_checker", "Default")
}

// AddressComplianceFailAction returns the configured fail action, folding
// any value outside {defer,reject,discard} to "defer" (spec.md §6.3).
func (c *Config) AddressComplianceFailAction() Action {
	switch strings.ToLower(c.GetOr("main", "address_compliance_fail_action", "defer")) {
	case "reject":
		return Reject
	case "discard":
		return Discard
	default:
		return Defer
	}
}

func (c *Config) AddressComplianceFailMessage() string {
	return c.GetOr("main", "address_compliance_fail_message", "invalid sender or recipient address")
}

func (c *Config) MinThreads() int { return c.GetIntOr("performance", "minthreads", 2) }

func (c *Config) MaxThreads() int { return c.GetIntOr("performance", "maxthreads", 40) }

func (c *Config) Backend() string { return c.GetOr("performance", "backend", "thread") }

func (c *Config) InitialProcs() int { return c.GetIntOr("performance", "initialprocs", 0) }

// CoreRequiredVars describes the Main Controller's own configuration
// contract (spec.md §4.4 "the same policy applies to the Main Controller's
// own core required_vars before any plugin loads"), core.py's
// requiredvars dict translated 1:1.
func CoreRequiredVars() map[string]RequiredVar {
	return map[string]RequiredVar{
		"identifier":                       {Section: "main", Default: "dist", Description: "identifies which config is loaded"},
		"daemonize":                        {Section: "main", Default: "1", Description: "run as a daemon"},
		"user":                             {Section: "main", Default: "nobody", Description: "run as user"},
		"group":                            {Section: "main", Default: "nobody", Description: "run as group"},
		"plugindir":                        {Section: "main", Default: "", Description: "additional plugin search paths"},
		"plugins":                          {Section: "main", Default: "", Description: "default plugin chain, comma separated"},
		"bindaddress":                      {Section: "main", Default: "127.0.0.1", Description: "address to listen on"},
		"incomingport":                     {Section: "main", Default: "9998", Description: "incoming port(s)"},
		"address_compliance_checker":       {Section: "main", Default: "Default", Description: "Default or LazyLocalPart"},
		"address_compliance_fail_action":   {Section: "main", Default: "defer", Description: "defer, reject or discard"},
		"address_compliance_fail_message":  {Section: "main", Default: "invalid sender or recipient address", Description: "reply message on compliance failure"},
		"minthreads":                       {Section: "performance", Default: "2", Description: "minimum scanner threads"},
		"maxthreads":                       {Section: "performance", Default: "40", Description: "maximum scanner threads"},
		"backend":                          {Section: "performance", Default: "thread", Description: "thread or process"},
		"initialprocs":                     {Section: "performance", Default: "0", Description: "worker process count, 0 = 2x cpu count"},
	}
}
