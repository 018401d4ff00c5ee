package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	ojsgrpc "github.com/openjobspec/ojs-thread-engine/internal/grpc"
	"github.com/openjobspec/ojs-thread-engine/internal/logging"
	"github.com/openjobspec/ojs-thread-engine/internal/metrics"
	natsbackend "github.com/openjobspec/ojs-thread-engine/internal/nats"
	"github.com/openjobspec/ojs-thread-engine/internal/scheduler"
	"github.com/openjobspec/ojs-thread-engine/internal/server"
)

func main() {
	cfg, err := server.LoadConfig()
	slog.SetDefault(logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat, core.OJSVersion))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.AllowUnsigned {
		slog.Warn("accepting unsigned requests; X-OJS-Signer is trusted as-is. Use only for local development.")
	}
	if cfg.AllowAnyWorker {
		slog.Warn("worker registration check disabled; any signer may crank threads")
	}

	// Connect to NATS
	backend, err := natsbackend.New(natsbackend.Options{
		URL:              cfg.NatsURL,
		Policy:           cfg.Policy(),
		DefaultRateLimit: uint8(cfg.DefaultRateLimit),
		AllowAnyWorker:   cfg.AllowAnyWorker,
		CrankLockTTL:     cfg.CrankLockTTL,
		InvokeTimeout:    cfg.InvokeTimeout,
		SlotsPerEpoch:    cfg.SlotsPerEpoch,
	})
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	slog.Info("connected to NATS", "url", cfg.NatsURL)

	metrics.Init(core.OJSVersion, "nats")

	// Start the clock and the optional local worker
	sched := scheduler.New(backend, scheduler.Config{
		SlotInterval:   cfg.TickInterval,
		Worker:         cfg.Worker(),
		Concurrency:    cfg.CrankConcurrency,
		SettleInterval: cfg.SettleInterval,
	})
	sched.Start()
	defer sched.Stop()
	if w := cfg.Worker(); w != nil {
		slog.Info("local worker enabled", "worker", w.String())
	}

	router := server.NewRouter(backend, cfg, backend.Events())
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("OJS server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer()
	ojsgrpc.Register(grpcServer, backend)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(ojsgrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("OJS gRPC server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	sched.Stop()
	healthSrv.Shutdown()
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
