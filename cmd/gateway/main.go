package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aurelia-ai/chat-gateway/internal/auth"
	"github.com/aurelia-ai/chat-gateway/internal/bus"
	"github.com/aurelia-ai/chat-gateway/internal/cache"
	"github.com/aurelia-ai/chat-gateway/internal/config"
	"github.com/aurelia-ai/chat-gateway/internal/dispatch"
	"github.com/aurelia-ai/chat-gateway/internal/edge"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
	"github.com/aurelia-ai/chat-gateway/internal/metrics"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 bus or cache
// unreachable at startup in strict mode.
const (
	exitOK          = 0
	exitConfigError = 2
	exitUnreachable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfigError
	}

	log := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
	})
	log.Info("starting chat gateway",
		slog.String("instance_id", logger.GetInstanceID()),
		slog.String("port", cfg.Port))

	gin.SetMode(cfg.GinMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	busClient, err := bus.Connect(bus.Config{
		URL:           cfg.BusURL,
		ReconnectWait: cfg.BusReconnectWait,
		ReconnectCap:  cfg.BusReconnectCap,
	}, log, m)
	if err != nil {
		log.Error("failed to initialize bus client", slog.String("error", err.Error()))
		return exitUnreachable
	}
	defer busClient.Close()

	if cfg.StartupStrict && !busClient.Connected() {
		log.Error("bus unreachable at startup", slog.String("url", cfg.BusURL))
		return exitUnreachable
	}

	if err := busClient.EnsureStream(cfg.RawMemoryStream, cfg.RawMemorySubject); err != nil {
		if cfg.StartupStrict {
			log.Error("failed to ensure raw-memory stream", slog.String("error", err.Error()))
			return exitUnreachable
		}
		log.Warn("raw-memory stream not ensured, continuing degraded",
			slog.String("error", err.Error()))
	}

	cacheClient, err := cache.Dial(cfg.CacheURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfigError
	}
	defer cacheClient.Close()

	sessions := cache.New(cacheClient, cfg.HotMsgLimit, cfg.HotTTL, log, m)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := sessions.Ping(pingCtx); err != nil {
		if cfg.StartupStrict {
			cancelPing()
			log.Error("cache unreachable at startup", slog.String("error", err.Error()))
			return exitUnreachable
		}
		log.Warn("cache unreachable at startup, continuing degraded",
			slog.String("error", err.Error()))
	}
	cancelPing()

	verifier, err := auth.NewVerifier(auth.Config{
		Alg:     cfg.JWTAlg,
		Secret:  cfg.JWTSecret,
		JWKSURL: cfg.JWTJWKSURL,
	}, sessions, log)
	if err != nil {
		log.Error("failed to initialize token verifier", slog.String("error", err.Error()))
		return exitConfigError
	}

	dispatcher := dispatch.New(busClient, sessions, m, log, dispatch.Options{
		RequestSubject:   cfg.RequestSubject,
		RawMemorySubject: cfg.RawMemorySubject,
		IdleTimeout:      cfg.IdleChunkTimeout,
		TotalTimeout:     cfg.TotalTicketTimeout,
		DrainTimeout:     cfg.DrainTimeout,
	})

	stream := edge.NewStreamHandler(verifier, dispatcher, cfg.KeepaliveInterval, log, m)
	api := edge.NewAPI(dispatcher, sessions, cfg.DefaultPersona, busClient.Connected, log)

	router := edge.NewRouter(edge.RouterOptions{
		StreamPath: cfg.StreamPath,
		Stream:     stream,
		API:        api,
		AuthMW:     auth.NewMiddleware(verifier),
		Registry:   registry,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTPTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	log.Info("listening", slog.String("addr", srv.Addr), slog.String("stream_path", cfg.StreamPath))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error("server failed", slog.String("error", err.Error()))
		return 1
	case sig := <-quit:
		log.Info("shutting down", slog.String("signal", sig.String()))
	}

	// Tell connected clients the server is going away, then stop accepting.
	stream.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
		return 1
	}

	log.Info("server exited")
	return exitOK
}
