// Package main is the entry point of FabHost. It loads the configuration,
// constructs the system (bots, catalog, API surface) and runs it until
// interrupted.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"FabHost/internal/app"
	"FabHost/internal/core"
	"FabHost/internal/util"
)

func main() {
	cfgPath := flag.String("c", "configs/config.yml", "path to configuration file")
	addFile := flag.String("add-file", "", "catalog a job file as id=path and exit")
	flag.Parse()

	logger := util.NewLogger("main")
	logger.Info("using config: %s", *cfgPath)

	sys, err := core.NewSystem(*cfgPath, util.NewLogger("system"))
	if err != nil {
		log.Fatalf("failed to create system: %v", err)
	}

	if *addFile != "" {
		id, path, ok := strings.Cut(*addFile, "=")
		if !ok {
			log.Fatalf("-add-file wants id=path, got %q", *addFile)
		}
		if err := sys.Catalog().Add(id, path); err != nil {
			log.Fatalf("failed to catalog file: %v", err)
		}
		return
	}

	if err := sys.StartAll(); err != nil {
		logger.Error("system start: %v", err)
	}

	api := app.New(sys, util.NewLogger("app"))
	go func() {
		// api failures leave bots reachable only in-process; never fatal
		if err := api.Start(sys.APIAddr()); err != nil {
			logger.Error("%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down...")
	api.Stop()
	sys.StopAll()
	logger.Info("stopped cleanly")
}
