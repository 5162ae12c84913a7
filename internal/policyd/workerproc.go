package policyd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// RunProcessWorker is the body of a process-backend worker subprocess
// (spec.md §4.7's postomaat_process_worker): it owns its own plugin chain
// and address validator, and loops pulling accepted connections off ctrl
// until it receives a poison pill or ctrl closes. It blocks until exit and
// is meant to be the entire job of a re-exec'd worker process's main().
func RunProcessWorker(ctrl *net.UnixConn, cfg *Config, registry *Registry, log *zap.Logger) {
	// Workers ignore SIGHUP (reserved for the parent's reload) and exit
	// cleanly on interrupt, per spec.md §5.
	signal.Ignore(syscall.SIGHUP)
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	go func() {
		// closing ctrl makes the receive loop below return once the
		// current session (if any) has finished
		<-interrupts
		ctrl.Close()
	}()

	SetActiveValidator(cfg.AddressComplianceChecker(), log)

	plugins, ok := registry.LoadAll(cfg.PluginsSpec(), cfg)
	if !ok {
		log.Error("worker failed to load some plugins, continuing with what loaded")
	}
	PropagatePluginDefaults(plugins, cfg)

	publishState(ctrl, log, "loading configuration")
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker crashed", zap.Any("panic", r))
			publishState(ctrl, log, "crashed")
			return
		}
	}()

	for {
		publishState(ctrl, log, "waiting for task")
		tag, fds, err := recvMessage(ctrl)
		if err != nil {
			publishState(ctrl, log, "ended")
			return
		}

		switch tag {
		case ctrlPoison:
			publishState(ctrl, log, "ended")
			return
		case ctrlTask:
			if len(fds) == 0 {
				log.Error("received task message with no file descriptor")
				continue
			}
			publishState(ctrl, log, "starting scan session")
			handOff(ctrl, cfg, plugins, log, fds[0])
		}
	}
}

func handOff(ctrl *net.UnixConn, cfg *Config, plugins []Plugin, log *zap.Logger, fd int) {
	conn, err := fdToConn(fd)
	if err != nil {
		log.Error("could not reconstruct handed-off connection", zap.Error(err))
		return
	}

	session := NewSession(conn, cfg, plugins, log)
	session.OnVerdict = func(v Verdict) {
		publishStats(ctrl, log, StatDelta{Scanned: 1, Actions: map[Action]int{v.Action: 1}})
	}
	session.Handle(context.Background())
}

func publishState(ctrl *net.UnixConn, log *zap.Logger, state string) {
	if err := sendFramed(ctrl, ctrlState, []byte(state)); err != nil {
		log.Debug("could not publish worker state", zap.Error(err))
	}
}

func publishStats(ctrl *net.UnixConn, log *zap.Logger, delta StatDelta) {
	payload, err := jsoniter.Marshal(delta)
	if err != nil {
		log.Debug("could not marshal stats delta", zap.Error(err))
		return
	}
	if err := sendFramed(ctrl, ctrlStats, payload); err != nil {
		log.Debug("could not publish stats delta", zap.Error(err))
	}
}
