// Command server runs the cryoprocess live orchestration service: the
// Live Session Orchestrator, SLURM Monitor, Progress Bus, WebSocket Hub,
// and HTTP API in a single process (spec.md §6).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/krpothula/cryoprocess/internal/auth"
	"github.com/krpothula/cryoprocess/internal/bus"
	"github.com/krpothula/cryoprocess/internal/config"
	"github.com/krpothula/cryoprocess/internal/health"
	"github.com/krpothula/cryoprocess/internal/httpapi"
	"github.com/krpothula/cryoprocess/internal/monitor"
	"github.com/krpothula/cryoprocess/internal/orchestrator"
	"github.com/krpothula/cryoprocess/internal/sched"
	"github.com/krpothula/cryoprocess/internal/store"
	"github.com/krpothula/cryoprocess/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config path)")
	flag.Parse()

	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("config: loading %s: %v", cfgPath, err)
	}

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	progressBus := bus.New()

	exec := sched.NewExecutor(
		sched.WithRateLimit(cfg.Scheduler.RateLimitPerSecond, cfg.Scheduler.RateLimitBurst),
		sched.WithTimeout(cfg.Scheduler.CommandTimeout),
	)

	orch := orchestrator.New(st, progressBus, exec)

	mon := monitor.New(st, exec, progressBus,
		monitor.WithInterval(cfg.Monitor.PollInterval),
		monitor.WithGhostThreshold(cfg.Monitor.GhostThreshold),
	)

	verifier, err := auth.NewVerifier(env.JWTSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	var allowedOrigins []string
	if env.CORSOrigin != "" {
		allowedOrigins = []string{env.CORSOrigin}
	}
	hub := ws.NewHub(st, verifier, progressBus,
		ws.WithMaxConnections(cfg.WS.MaxConnections),
		ws.WithHeartbeat(cfg.WS.HeartbeatInterval),
		ws.WithAllowedOrigins(allowedOrigins),
	)

	api := httpapi.NewServer(orch, st, verifier, health.Collect)

	mux := http.NewServeMux()
	api.SetupRoutes(mux)
	mux.Handle("/ws", hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Run(ctx)
	go hub.Run(ctx)

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(env.Port),
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("cryoprocess listening on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
