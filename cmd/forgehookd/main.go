// Command forgehookd runs the ForgeHook control plane: the HTTP API,
// the runtime drivers and the background health and registry loops.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/api/handlers"
	"github.com/forgehook/forgehook/internal/auth"
	"github.com/forgehook/forgehook/internal/config"
	"github.com/forgehook/forgehook/internal/docker"
	"github.com/forgehook/forgehook/internal/events"
	"github.com/forgehook/forgehook/internal/fhk"
	"github.com/forgehook/forgehook/internal/integrations"
	"github.com/forgehook/forgehook/internal/metrics"
	"github.com/forgehook/forgehook/internal/plugin"
	"github.com/forgehook/forgehook/internal/ports"
	"github.com/forgehook/forgehook/internal/registry"
	"github.com/forgehook/forgehook/internal/runtime/container"
	"github.com/forgehook/forgehook/internal/runtime/embedded"
	"github.com/forgehook/forgehook/internal/runtime/gateway"
	"github.com/forgehook/forgehook/internal/store"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal := zerolog.New(os.Stderr)
		fatal.Fatal().Err(err).Msg("invalid configuration")
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	log.Info().Str("version", version).Str("env", cfg.Env).Msg("starting forgehookd")

	st := openStore(cfg, log)
	defer st.Close()

	engine := docker.NewClient(cfg.DockerHost, log)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := engine.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatal().Err(err).Msg("container engine unreachable")
	}
	cancelPing()

	secret := cfg.JWTSecret
	if secret == "" {
		secret = randomSecret()
		log.Warn().Msg("JWT_SECRET not set, generated an ephemeral secret")
	}
	issuer := auth.NewTokenIssuer(secret)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	alloc := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	bus := events.NewBus(log)
	hub := events.NewHub(bus, log)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	supervisor := container.NewSupervisor(engine, alloc, cfg.DockerNetwork, log)
	supervisor.IssueToken = issuer.Issue
	host := embedded.NewHost(log)
	gw := gateway.NewDriver(log)

	aggregator := registry.NewAggregator(st, log)
	if err := aggregator.EnsureOfficialSource(bootCtx, cfg.RegistryURL); err != nil {
		log.Warn().Err(err).Msg("failed to seed official registry source")
	}

	integrationSvc, err := integrations.NewService(bootCtx, st)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize integrations")
	}
	keys := auth.NewKeyService(st)

	manager := plugin.NewManager(plugin.Deps{
		Store:     st,
		Container: supervisor,
		Embedded:  host,
		Gateway:   gw,
		Registry:  aggregator,
		Codec:     fhk.NewCodec(),
		Bus:       bus,
		Metrics:   met,
		Ports:     alloc,
		Log:       log,
	})
	invoker := plugin.NewInvoker(st, host, gw, met, log)

	if err := manager.Resync(bootCtx); err != nil {
		log.Fatal().Err(err).Msg("state resync failed")
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go supervisor.WatchEvents(bgCtx)
	go supervisor.RunHealthLoop(bgCtx, cfg.ContainerHealthInterval)
	go gw.RunHealthLoop(bgCtx, cfg.GatewayHealthInterval)
	aggregator.Start()

	router := handlers.Router{
		Manager:      manager,
		Invoker:      invoker,
		Registry:     aggregator,
		Integrations: integrationSvc,
		Keys:         keys,
		Hub:          hub,
		Engine:       engine,
		Gatherer:     reg,
		Production:   cfg.Production(),
		Version:      version,
		StaticDir:    cfg.StaticDir,
		Log:          log,
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.Build(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	cancelBg()
	aggregator.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to close")
	}
	hub.Shutdown(shutdownCtx)
	bus.Close()

	log.Info().Msg("stopped")
}

// openStore selects Postgres when STORE_DSN is set, else the file
// store. Either failing at boot is fatal.
func openStore(cfg *config.Config, log zerolog.Logger) store.Store {
	if cfg.StoreDSN != "" {
		st, err := store.NewPostgresStore(cfg.StoreDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres store unreachable")
		}
		log.Info().Msg("using postgres store")
		return st
	}
	st, err := store.NewFileStore(cfg.StatePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StatePath).Msg("failed to open state file")
	}
	log.Info().Str("path", cfg.StatePath).Msg("using file store")
	return st
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
