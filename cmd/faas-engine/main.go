package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"faas-engine/internal/adapters/docker"
	gormadapter "faas-engine/internal/adapters/gorm"
	"faas-engine/internal/adapters/kubernetes"
	"faas-engine/internal/config"
	"faas-engine/internal/core/analysis"
	"faas-engine/internal/core/dbpool"
	"faas-engine/internal/core/deployments"
	"faas-engine/internal/core/invocations"
	"faas-engine/internal/core/keys"
	"faas-engine/internal/delivery/dbgateway"
	api "faas-engine/internal/delivery/http"

	_ "faas-engine/docs"

	"github.com/rs/zerolog"
)

// @title           FaaS Engine API
// @version         1.0
// @description     Function deployment, versioning and sandboxed execution engine.
// @host            localhost:8080
// @BasePath        /
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "faas-engine").Logger()

	cfg := config.MustLoad()
	log.Info().
		Str("deployment_env", string(cfg.DeploymentEnv)).
		Msg("bootstrapping engine")

	store, err := gormadapter.New(cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("gorm connect")
	}

	// The docker client is always needed for image builds; sandboxes
	// run through whichever runtime the environment selects.
	dcli, err := docker.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("docker client init")
	}
	var runtime invocations.Runtime = dcli
	if cfg.DeploymentEnv == config.EnvKubernetes {
		kcli, err := kubernetes.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kubernetes client init")
		}
		runtime = kcli
	}

	analyzer := analysis.NewAnalyzer(log)
	mgr := deployments.NewManager(store, analyzer, dcli, cfg, log)

	if err := mgr.SweepStaleBuilds(context.Background()); err != nil {
		log.Error().Err(err).Msg("stale build sweep failed")
	}

	admission := invocations.NewAdmission(cfg.MaxConcurrentInvocations)
	orch := invocations.NewOrchestrator(store, runtime, admission, cfg, log)
	recorder := invocations.NewRecorder(store, log)
	keyMgr := keys.NewManager(store, log)
	verifier := keys.NewVerifier(store, cfg.SignatureWindow, log)

	// Tenant database gateway, reachable only through the socket
	// mounted into sandboxes.
	var gateway *dbgateway.Server
	if cfg.TenantDatabaseDSN != "" {
		pool, err := dbpool.Open(cfg.TenantDatabaseDSN, cfg.TenantDBPoolSize,
			cfg.TenantDBAcquireTimeout, cfg.TenantDBQueryTimeout, log)
		if err != nil {
			log.Fatal().Err(err).Msg("tenant db pool init")
		}
		defer pool.Close()
		gateway = dbgateway.New(pool, log)
		go func() {
			if err := gateway.Serve(cfg.DBGatewaySocket); err != nil {
				log.Fatal().Err(err).Msg("db gateway failed")
			}
		}()
	}

	handler := api.NewHandler(mgr, orch, recorder, keyMgr, verifier, cfg.KeyValidity, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down server...")
	_ = srv.Shutdown(context.Background())

	if gateway != nil {
		_ = gateway.Shutdown(context.Background())
	}

	mgr.WaitForBuilds()
	log.Info().Msg("shutdown complete")
}
