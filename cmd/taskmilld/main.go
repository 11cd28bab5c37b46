package main

import (
	"context"
	"log"
	"net"
	"os"
	"time"

	"github.com/mbekkel/taskmill/internal/admission"
	"github.com/mbekkel/taskmill/internal/api"
	"github.com/mbekkel/taskmill/internal/backend"
	fcruntime "github.com/mbekkel/taskmill/internal/backend/firecracker"
	"github.com/mbekkel/taskmill/internal/checkpoint"
	"github.com/mbekkel/taskmill/internal/config"
	"github.com/mbekkel/taskmill/internal/coordinator"
	"github.com/mbekkel/taskmill/internal/registry"
	"github.com/mbekkel/taskmill/internal/store"
)

const resumeDueInterval = time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("taskmilld: starting",
		"listen_addr", cfg.ListenAddr,
		"coordinator_addr", cfg.CoordinatorAddr,
		"db_path", cfg.DBPath,
		"checkpoint_engine", cfg.CheckpointEngine,
		"worker_runtime", cfg.WorkerRuntime,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	adm := admission.NewController(logger)
	reg := registry.New(db, adm, logger)

	runtimes := backend.NewRegistry()
	runtimes.Register(backend.RuntimeLocal, backend.NewStatic(cfg.WorkerAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var engine checkpoint.Checkpointer
	switch cfg.CheckpointEngine {
	case "firecracker":
		fcEngine := checkpoint.NewFirecrackerEngine(cfg.CheckpointDir, cfg.FirecrackerBin, logger)
		engine = fcEngine

		fcCfg := fcruntime.LoadConfig()
		if fcCfg.FirecrackerBin == "" {
			fcCfg.FirecrackerBin = cfg.FirecrackerBin
		}
		runner, err := fcruntime.NewRunner(fcCfg, fcEngine, logger)
		if err != nil {
			log.Fatalf("failed to create firecracker runtime: %v", err)
		}
		if err := runner.Verify(); err != nil {
			log.Fatalf("firecracker runtime unusable: %v", err)
		}
		runtimes.Register(backend.RuntimeFirecracker, runner)
		defer runner.Shutdown(context.Background())
	default:
		engine = checkpoint.NewDirEngine(cfg.CheckpointDir)
	}

	plane := coordinator.NewLocalPlane(reg, db, runtimes, cfg.WorkerRuntime, logger)
	coord := coordinator.New(plane, adm, engine, logger)
	launcher := coordinator.NewLauncher(coord, plane, db, logger)

	workerListener, err := net.Listen("tcp", cfg.CoordinatorAddr)
	if err != nil {
		log.Fatalf("failed to listen for workers: %v", err)
	}
	go func() {
		if err := coord.Serve(ctx, workerListener); err != nil {
			logger.Error("coordinator listener stopped", "error", err)
		}
	}()

	// Wake duration-suspended attempts when their deadlines pass.
	go func() {
		ticker := time.NewTicker(resumeDueInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				coord.ResumeDue(ctx)
			}
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, cfg.RegistryURL, db, reg, adm, plane, launcher, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
