package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/postomaat/policyd/internal/policyd"
	_ "github.com/postomaat/policyd/plugins/examples/recipientlimit"
)

// workerFlag is how a re-exec'd worker process recognizes itself; its value
// is the file descriptor number of its inherited control socket.
const workerFlag = "policyd-worker-fd"

func main() {
	var (
		configPath  = flag.String("config", "/etc/policyd/policyd.yaml", "path to the YAML configuration file")
		development = flag.Bool("dev", false, "use a development logger (human-readable, debug level)")
		doLint      = flag.Bool("lint", false, "validate configuration and plugin chain, then exit")
		workerFD    = flag.Int(workerFlag, -1, "internal: inherited control socket fd for a worker subprocess")
		testPort    = flag.String("test-port", "", "used with -test-values: which incomingport entry's chain to run")
		testValues  = flag.String("test-values", "", "dry-run a request through the plugin chain; comma-separated key=value pairs")
	)
	flag.Parse()

	log := buildLogger(*development)
	defer log.Sync()

	data, err := os.ReadFile(*configPath)
	if err != nil && *workerFD < 0 {
		log.Fatal("could not read configuration file", zap.String("path", *configPath), zap.Error(err))
	}
	cfg, err := policyd.LoadYAMLConfig(data, log)
	if err != nil {
		log.Fatal("could not parse configuration file", zap.Error(err))
	}

	registry := policyd.DefaultRegistry

	if *workerFD >= 0 {
		runWorker(*workerFD, cfg, registry, log)
		return
	}

	controller := policyd.NewController(cfg, log, registry, workerCommandFactory(*configPath, *development))

	if *doLint {
		if err := controller.Lint(); err != nil {
			log.Fatal("lint failed", zap.Error(err))
		}
		fmt.Println("ok")
		return
	}

	if *testValues != "" {
		values := parseTestValues(*testValues)
		if err := controller.Startup(); err != nil {
			log.Fatal("startup failed", zap.Error(err))
		}
		verdict, err := controller.Test(values, *testPort)
		if err != nil {
			log.Fatal("test failed", zap.Error(err))
		}
		fmt.Println(policyd.FormatResponse(verdict))
		_ = controller.Shutdown(context.Background())
		return
	}

	if err := controller.Startup(); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	waitForSignals(controller, log)
}

func buildLogger(development bool) *zap.Logger {
	var log *zap.Logger
	var err error
	if development {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}

// waitForSignals blocks until the process is told to stop, reloading
// configuration on SIGHUP and shutting down on SIGINT/SIGTERM, matching
// core.py's signal handlers.
func waitForSignals(controller *policyd.Controller, log *zap.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			log.Info("received SIGHUP, reloading")
			if err := controller.Reload(); err != nil {
				log.Error("reload failed", zap.Error(err))
			}
		default:
			log.Info("received shutdown signal, stopping", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 130*time.Second)
			_ = controller.Shutdown(ctx)
			cancel()
			return
		}
	}
}

// workerCommandFactory builds the exec.Cmd for a fresh process-backend
// worker: re-exec this same binary with the worker flag pointing at the
// inherited control socket fd, per spec.md §4.7.
func workerCommandFactory(configPath string, development bool) policyd.WorkerCommandFactory {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return func(ctrlFD *os.File) (*exec.Cmd, error) {
		args := []string{
			"-config", configPath,
			fmt.Sprintf("-%s", workerFlag), "3",
		}
		if development {
			args = append(args, "-dev")
		}
		cmd := exec.Command(exe, args...)
		cmd.ExtraFiles = []*os.File{ctrlFD}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	}
}

// runWorker is the entry point for a re-exec'd worker subprocess: fd 3 is
// always its inherited control socket (ExtraFiles[0] lands at fd 3, since
// fds 0-2 are stdio).
func runWorker(fd int, cfg *policyd.Config, registry *policyd.Registry, log *zap.Logger) {
	f := os.NewFile(uintptr(fd), "policyd-ctrl")
	conn, err := net.FileConn(f)
	if err != nil {
		log.Fatal("worker could not adopt control socket", zap.Error(err))
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		log.Fatal("worker control socket is not a unix socket")
	}
	policyd.RunProcessWorker(unixConn, cfg, registry, log)
}

// parseTestValues turns "key=value,key2=value2" into a request map, the
// same shape a real session would parse off the wire.
func parseTestValues(raw string) map[string]string {
	values := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return values
}
