// Command syncd-client watches a local directory and keeps it in sync
// with a syncd-server: local filesystem events become outbound commands,
// inbound commands from the server are applied back to the filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nicolagi/syncd/internal/client"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-verbosity level] [-gops] <host> <port> <dir> [filelog]\n", os.Args[0])
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
	if len(args) < 3 || len(args) > 4 {
		usage()
		os.Exit(2)
	}
	host, port, dir := args[0], args[1], args[2]
	if len(args) == 4 && args[3] == "filelog" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   filepath.Join(dir, "syncd-client.log"),
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

	eng, err := client.New(dir)
	if err != nil {
		log.Fatalf("Could not build client engine for %q: %v", dir, err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.WithError(err).Warn("syncd-client: closing watched tree")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	address := net.JoinHostPort(host, port)
	go func() { runErr <- eng.Run(ctx, "tcp", address) }()

	select {
	case sig := <-sigc:
		log.WithField("signal", sig).Info("syncd-client: received signal, shutting down")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("syncd-client: run loop exited")
		}
	}
}
