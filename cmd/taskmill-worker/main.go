package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/mbekkel/taskmill/internal/config"
	"github.com/mbekkel/taskmill/internal/worker"
)

func main() {
	// Inside a microVM the agent boots as init; outside this is a no-op.
	worker.SetupInit()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	listener, err := worker.Listen(cfg.WorkerAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.WorkerAddr, err)
	}

	// The coordinator address doubles as the dial target; a bare ":port"
	// bind form means the coordinator runs on the same host.
	coordAddr := cfg.CoordinatorAddr
	if strings.HasPrefix(coordAddr, ":") {
		coordAddr = "localhost" + coordAddr
	}

	var control *worker.Client
	if c, err := worker.Dial(coordAddr); err != nil {
		logger.Warn("coordinator unreachable, heartbeats disabled", "addr", coordAddr, "error", err)
	} else {
		control = c
		defer control.Close()
	}

	logger.Info("taskmill-worker: starting",
		"listen_addr", cfg.WorkerAddr,
		"coordinator_addr", coordAddr,
		"bundle_dir", cfg.BundleDir,
		"deployment_id", cfg.DeploymentID,
	)

	agent := worker.NewAgent(listener, cfg.BundleDir, control, logger)
	if err := agent.Serve(context.Background()); err != nil {
		log.Fatalf("agent error: %v", err)
	}
}
