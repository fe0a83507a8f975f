// Command syncd-server is the synchronization hub: one authoritative
// tree, a device-id registry, and an offline operation log for devices
// that are registered but not currently connected.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nicolagi/syncd/internal/netutil"
	"github.com/nicolagi/syncd/internal/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-verbosity level] [-gops] <port> <dir> [filelog]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var logLevel string
	var levels []string
	for _, l := range log.AllLevels {
		levels = append(levels, l.String())
	}
	flag.StringVar(&logLevel, "verbosity", "info", "sets the log `level`, among "+strings.Join(levels, ", "))
	gopsFlag := flag.Bool("gops", true, "start a gops diagnostics agent")
	flag.Usage = usage
	flag.Parse()

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Could not parse log level %q: %v", logLevel, err)
	}
	log.SetLevel(ll)

	args := flag.Args()
	if len(args) < 2 || len(args) > 3 {
		usage()
		os.Exit(2)
	}
	port, dir := args[0], args[1]
	if len(args) == 3 && args[2] == "filelog" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   filepath.Join(dir, "syncd-server.log"),
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		})
	}

	if *gopsFlag {
		// Do NOT turn on agent.ShutdownCleanup: the signal handler below
		// must run the engine's own shutdown path, not gops's os.Exit.
		if err := agent.Listen(agent.Options{}); err != nil {
			log.WithError(err).Warn("Could not start gops agent")
		}
		defer agent.Close()
	}

	eng, err := server.New(dir, server.WithHeartbeatReaper())
	if err != nil {
		log.Fatalf("Could not build server engine for %q: %v", dir, err)
	}

	ln, err := netutil.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatalf("Could not listen on port %s: %v", port, err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- eng.Serve(ctx, ln) }()

	select {
	case sig := <-sigc:
		log.WithField("signal", sig).Info("syncd-server: received signal, shutting down")
		cancel()
		<-serveErr
	case err := <-serveErr:
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("syncd-server: accept loop exited")
		}
	}
}
