package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-ar-invoices/internal/audit"
	"github.com/pesio-ai/be-ar-invoices/internal/auth"
	"github.com/pesio-ai/be-ar-invoices/internal/client"
	"github.com/pesio-ai/be-ar-invoices/internal/config"
	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/handler"
	"github.com/pesio-ai/be-ar-invoices/internal/integrity"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/metrics"
	"github.com/pesio-ai/be-ar-invoices/internal/middleware"
	"github.com/pesio-ai/be-ar-invoices/internal/profile"
	"github.com/pesio-ai/be-ar-invoices/internal/render"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
	"github.com/pesio-ai/be-ar-invoices/internal/rpc"
	"github.com/pesio-ai/be-ar-invoices/internal/sequence"
	"github.com/pesio-ai/be-ar-invoices/internal/service"
	"github.com/pesio-ai/be-ar-invoices/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting AR Invoices Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.DSN()); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply database migrations")
		}
		log.Info().Msg("Database migrations applied")
	}

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	m := metrics.New()

	// Initialize repositories
	invoiceRepo := repository.NewInvoiceRepository(db)
	issuerRepo := repository.NewIssuerRepository(db)
	clientRepo := repository.NewClientRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	store, err := newDocumentStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to initialize document store")
	}
	log.Info().Str("backend", cfg.Storage.Backend).Msg("Document store ready")

	var counter sequence.Counter
	switch cfg.Sequence.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		counter = sequence.NewRedisCounter(rdb, issuerRepo, "")
	default:
		counter = repository.NewCounterRepository(db)
	}
	log.Info().Str("backend", cfg.Sequence.Backend).Msg("Invoice number counter ready")

	// events stays a nil interface when publishing is disabled
	var events service.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		events = client.NewEventPublisher(nc, cfg.NATS.SubjectPrefix, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("Event publishing enabled")
	}

	renderer := render.NewChromeRenderer(render.ChromeConfig{
		RemoteURL: cfg.Render.ChromeURL,
		NoSandbox: cfg.Render.NoSandbox,
		Timeout:   cfg.Render.Timeout,
	}, log)
	defer renderer.Close()

	// Initialize services
	recorder := audit.NewRecorder(auditRepo, log, m)
	allocator := sequence.NewAllocator(counter, cfg.Sequence.DefaultPrefix, log, m)

	invoiceService := service.NewInvoiceService(invoiceRepo, clientRepo, allocator, recorder, log)
	finalizationService := service.NewFinalizationService(service.FinalizationDeps{
		Invoices:      invoiceRepo,
		Issuers:       issuerRepo,
		Clients:       clientRepo,
		Templates:     templateRepo,
		Renderer:      renderer,
		Store:         store,
		Integrity:     integrity.NewService(store),
		Profile:       profile.NewChecker(),
		Recorder:      recorder,
		Events:        events,
		Metrics:       m,
		RenderTimeout: cfg.Render.Timeout,
		AwaitTimeout:  cfg.Finalize.AwaitTimeout,
	}, log)
	statusService := service.NewStatusService(invoiceRepo, recorder, events, m, log)

	authenticator := auth.NewAuthenticator(auth.Config{
		Secret:       cfg.Auth.JWTSecret,
		TokenIssuer:  cfg.Auth.TokenIssuer,
		AllowHeaders: cfg.Auth.AllowHeaders,
	})
	if cfg.Auth.AllowHeaders {
		log.Warn().Msg("Trusting X-Issuer-ID/X-User-ID headers, do not enable outside development")
	}

	// Setup HTTP routes
	api := http.NewServeMux()
	handler.NewHTTPHandler(invoiceService, finalizationService, statusService, log).Register(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("/api/", authenticator.Middleware(api))

	h := middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logger(&log.Logger),
		middleware.Recovery(&log.Logger),
		middleware.CORS(cfg.Server.CORSOrigins),
		middleware.Timeout(cfg.Server.RequestTimeout),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRequestID,
		middleware.UnaryRecovery(&log.Logger),
		middleware.UnaryLogger(&log.Logger),
		authenticator.UnaryServerInterceptor("/"+rpc.ServiceName+"/"),
	))
	handler.RegisterIntegrityServer(grpcServer, handler.NewGRPCHandler(invoiceService, finalizationService, log))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer) // Enable reflection for debugging
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

func newDocumentStore(ctx context.Context, cfg config.StorageConfig) (storage.DocumentStore, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       cfg.Bucket,
			Endpoint:     cfg.Endpoint,
			Region:       cfg.Region,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			UsePathStyle: cfg.UsePathStyle,
		})
	default:
		return storage.NewFSStore(cfg.Root)
	}
}
