package policyd

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// defaultPluginAliases mirrors core.py's requiredvars entries for the
// bundled plugins' [PluginAlias] defaults. The bundled plugins themselves
// (dbwriter, call-ahead) are out of scope (spec.md §1), but propagating
// their alias defaults keeps alias resolution itself testable without
// them.
var defaultPluginAliases = map[string]string{
	"call-ahead": "policyd.plugins.calahead.AddressCheck",
	"dbwriter":   "policyd.plugins.dbwriter.DBWriter",
}

// Controller is the Main Controller of spec.md §4.9: it owns the active
// worker pool and the set of running listeners, and serializes
// startup/reload/shutdown against each other.
type Controller struct {
	cfg           *Config
	log           *zap.Logger
	registry      *Registry
	workerFactory WorkerCommandFactory

	mu      sync.Mutex
	plugins []Plugin
	servers map[int]*Server
	pool    WorkerPool
	backend Backend
	stats   *Statskeeper

	statsCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewController builds a controller bound to cfg. workerFactory may be nil
// if the process backend will never be selected.
func NewController(cfg *Config, log *zap.Logger, registry *Registry, workerFactory WorkerCommandFactory) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:           cfg,
		log:           log,
		registry:      registry,
		workerFactory: workerFactory,
		servers:       make(map[int]*Server),
		stats:         NewStatskeeper(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Startup implements spec.md §4.9: propagate defaults, load plugins, start
// the stats loop, start the configured backend, then start one listener
// per configured port.
func (c *Controller) Startup() error {
	const op = errors.Op("policyd_startup")
	c.mu.Lock()
	defer c.mu.Unlock()

	c.propagateCoreDefaults()
	SetActiveValidator(c.cfg.AddressComplianceChecker(), c.log)

	plugins, ok := c.loadPluginsLocked()
	if !ok {
		return errors.E(op, errors.Str("some plugins failed to load, aborting"))
	}
	c.plugins = plugins

	c.startStatsLoopLocked()

	if err := c.startBackendLocked(); err != nil {
		return errors.E(op, err)
	}

	for _, tok := range strings.Fields(c.cfg.IncomingPort()) {
		port, chain, err := c.resolvePortLocked(tok)
		if err != nil {
			c.log.Error("could not start listener", zap.String("token", tok), zap.Error(err))
			continue
		}
		if err := c.startServerLocked(port, chain); err != nil {
			c.log.Error("could not start listener", zap.Int("port", port), zap.Error(err))
		}
	}

	c.log.Info("startup complete")
	return nil
}

func (c *Controller) propagateCoreDefaults() {
	PropagateDefaults(CoreRequiredVars(), c.cfg, "main")
	for name, def := range defaultPluginAliases {
		c.cfg.SetDefault("PluginAlias", name, def)
	}
}

func (c *Controller) loadPluginsLocked() ([]Plugin, bool) {
	for _, dir := range c.cfg.PluginDir() {
		c.log.Debug("additional plugin search path configured (unused without dynamic loading)", zap.String("dir", dir))
	}
	plugins, ok := c.registry.LoadAll(c.cfg.PluginsSpec(), c.cfg)
	if ok {
		PropagatePluginDefaults(plugins, c.cfg)
	}
	return plugins, ok
}

// resolvePortLocked parses one incomingport token ("port" or
// "port:plugin,list") into a port number and its plugin chain, loading an
// override chain if one was specified (spec.md §3 "Port Binding").
func (c *Controller) resolvePortLocked(token string) (int, []Plugin, error) {
	const op = errors.Op("policyd_resolve_port")
	portPart, chainSpec, hasChain := strings.Cut(token, ":")
	port, err := strconv.Atoi(strings.TrimSpace(portPart))
	if err != nil {
		return 0, nil, errors.E(op, err)
	}
	if !hasChain {
		return port, c.plugins, nil
	}
	chain, ok := c.registry.LoadAll(chainSpec, c.cfg)
	if !ok {
		return port, nil, errors.E(op, errors.Str("could not start engine on port, some plugins failed to load"))
	}
	return port, chain, nil
}

func (c *Controller) startServerLocked(port int, chain []Plugin) error {
	srv := &Server{
		Port:     port,
		Address:  c.cfg.BindAddress(),
		Chain:    chain,
		Config:   c.cfg,
		Log:      c.log,
		Stats:    c.stats,
		Dispatch: c.dispatch,
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	go srv.Serve(c.ctx)
	c.servers[port] = srv
	return nil
}

// dispatch is shared by every Server; it routes a freshly-accepted
// connection to whichever backend is currently active (spec.md §4.8).
func (c *Controller) dispatch(ctx context.Context, conn net.Conn, chain []Plugin) error {
	c.mu.Lock()
	pool := c.pool
	backend := c.backend
	stats := c.stats
	c.mu.Unlock()

	switch backend {
	case BackendThread:
		session := NewSession(conn, c.cfg, chain, c.log)
		session.Stats = stats
		return pool.AddTask(ctx, Task{Conn: conn, Session: session})
	case BackendProcess:
		if err := pool.AddTask(ctx, Task{Conn: conn}); err != nil {
			return err
		}
		// the worker now holds its own descriptor; drop the parent's copy
		return conn.Close()
	default:
		session := NewSession(conn, c.cfg, chain, c.log)
		session.Stats = stats
		session.Handle(ctx)
		return nil
	}
}

func (c *Controller) startBackendLocked() error {
	const op = errors.Op("policyd_start_backend")
	switch c.cfg.Backend() {
	case "thread":
		c.pool = NewThreadPool(c.cfg.MinThreads(), c.cfg.MaxThreads(), c.log)
		c.backend = BackendThread
	case "process":
		n := c.cfg.InitialProcs()
		pool, err := NewProcessPool(c.ctx, n, c.workerFactory, c.stats, c.log)
		if err != nil {
			return errors.E(op, err)
		}
		c.pool = pool
		c.backend = BackendProcess
	default:
		return errors.E(op, errors.Str("invalid backend \""+c.cfg.Backend()+"\", valid options are \"thread\" and \"process\""))
	}
	return nil
}

func (c *Controller) startStatsLoopLocked() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.statsCancel = cancel
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scanned, actions := c.stats.Snapshot()
				c.log.Debug("stats", zap.Int("scanned", scanned), zap.Any("actions", actions))
			}
		}
	}()
}

// Reload re-reads the configured backend and port set, reconciling running
// state with it (spec.md §4.9).
func (c *Controller) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Info("applying configuration changes")

	SetActiveValidator(c.cfg.AddressComplianceChecker(), c.log)

	if err := c.reloadBackendLocked(); err != nil {
		return err
	}
	c.reloadPortsLocked()

	c.log.Info("config changes applied")
	return nil
}

func (c *Controller) reloadBackendLocked() error {
	const op = errors.Op("policyd_reload_backend")
	switch c.cfg.Backend() {
	case "thread":
		tp, isThreadPool := c.pool.(*ThreadPool)
		if c.backend == BackendThread && isThreadPool &&
			tp.MinThreads() == c.cfg.MinThreads() && tp.MaxThreads() == c.cfg.MaxThreads() {
			c.log.Info("keep existing threadpool")
		} else {
			c.log.Info("threadpool config changed, initialising new threadpool")
			old := c.pool
			c.pool = NewThreadPool(c.cfg.MinThreads(), c.cfg.MaxThreads(), c.log)
			c.backend = BackendThread
			if old != nil {
				go old.Shutdown(context.Background())
			}
		}
	case "process":
		old := c.pool
		c.log.Info("create new processpool")
		pool, err := NewProcessPool(c.ctx, c.cfg.InitialProcs(), c.workerFactory, c.stats, c.log)
		if err != nil {
			return errors.E(op, err)
		}
		c.pool = pool
		c.backend = BackendProcess
		if old != nil {
			go old.Shutdown(context.Background())
		}
	default:
		c.log.Error("backend not recognized, ignoring reload", zap.String("backend", c.cfg.Backend()))
	}
	return nil
}

func (c *Controller) reloadPortsLocked() {
	wanted := make(map[int]bool)
	for _, tok := range strings.Fields(c.cfg.IncomingPort()) {
		port, chain, err := c.resolvePortLocked(tok)
		if err != nil {
			c.log.Error("could not parse incomingport token", zap.String("token", tok), zap.Error(err))
			continue
		}
		wanted[port] = true
		if _, running := c.servers[port]; !running {
			c.log.Info("start new policy server", zap.Int("port", port))
			if err := c.startServerLocked(port, chain); err != nil {
				c.log.Error("could not start listener", zap.Int("port", port), zap.Error(err))
			}
		} else {
			c.log.Debug("keep existing policy server", zap.Int("port", port))
		}
	}

	for port, srv := range c.servers {
		if !wanted[port] {
			c.log.Info("closing server socket", zap.Int("port", port))
			_ = srv.Shutdown()
			delete(c.servers, port)
		}
	}
}

// Shutdown implements spec.md §4.9: stop the stats loop, close every
// listener, tear down the active pool.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.statsCancel != nil {
		c.statsCancel()
	}
	for port, srv := range c.servers {
		c.log.Info("closing server socket", zap.Int("port", port))
		_ = srv.Shutdown()
	}
	c.servers = make(map[int]*Server)

	var err error
	if c.pool != nil {
		err = c.pool.Shutdown(ctx)
		c.pool = nil
	}
	c.cancel()
	c.log.Info("shutdown complete")
	return err
}

// Test is the dry-run entry point of spec.md §11 (supplemented from
// core.py's MainController.test): it builds a Suspect from values and runs
// it through either the default chain or a named port's chain, with no
// network connection involved.
func (c *Controller) Test(values map[string]string, port string) (Verdict, error) {
	const op = errors.Op("policyd_test")
	c.mu.Lock()
	plugins := c.plugins
	var chain []Plugin
	found := port == ""
	if found {
		chain = plugins
	} else {
		for _, tok := range strings.Fields(c.cfg.IncomingPort()) {
			p, cSpec, hasChain := strings.Cut(tok, ":")
			if strings.TrimSpace(p) != port {
				continue
			}
			found = true
			if !hasChain {
				chain = plugins
			} else {
				loaded, ok := c.registry.LoadAll(cSpec, c.cfg)
				if !ok {
					c.mu.Unlock()
					return Verdict{}, errors.E(op, errors.Str("some plugins failed to load for port "+port))
				}
				chain = loaded
			}
			break
		}
	}
	c.mu.Unlock()

	if !found {
		return Verdict{}, errors.E(op, errors.Str("no plugin configuration for current port selection"))
	}

	suspect := NewSuspect(values)
	return RunChain(context.Background(), c.log, suspect, chain), nil
}

// Lint loads plugins, checks core configuration, and calls every loaded
// plugin's optional Lint method, per spec.md §11 (supplemented from
// core.py's MainController.lint).
func (c *Controller) Lint() error {
	const op = errors.Op("policyd_lint")
	c.mu.Lock()
	c.propagateCoreDefaults()
	plugins, ok := c.loadPluginsLocked()
	c.plugins = plugins
	c.mu.Unlock()

	failures := 0
	if !ok {
		failures++
		c.log.Error("at least one plugin failed to load")
	}

	for _, p := range plugins {
		linter, can := p.(Linter)
		if !can {
			continue
		}
		if err := linter.Lint(); err != nil {
			failures++
			c.log.Error("plugin lint failed", zap.String("plugin", PluginName(p)), zap.Error(err))
		}
	}

	if failures > 0 {
		return errors.E(op, errors.Str(strconv.Itoa(failures)+" plugin(s) reported errors"))
	}
	return nil
}

// Stats exposes the controller's statistics keeper for admin surfaces.
func (c *Controller) Stats() *Statskeeper { return c.stats }
