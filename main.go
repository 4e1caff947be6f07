package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"property-messaging/internal/changefeed"
	"property-messaging/internal/config"
	"property-messaging/internal/db"
	"property-messaging/internal/handlers"
	"property-messaging/internal/messaging"
	"property-messaging/internal/middleware"
	"property-messaging/internal/observability"
	"property-messaging/internal/rabbitmq"
	"property-messaging/internal/repositories"
	"property-messaging/internal/session"
	"property-messaging/internal/storage"
	"property-messaging/internal/telemetry"
	"property-messaging/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := db.Migrate(ctx, database); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if err := db.VerifySchema(ctx, database); err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}
	secret := []byte(cfg.JWTSecret)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	store := repositories.NewStore(database)

	feed, notifier, closers := buildChangeFeed(cfg)

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPAuditExchange)
	closers = append(closers, auditPublisher)
	log.Printf("audit publisher mode=%s %s", rabbitmq.PublisherMode(auditPublisher), rabbitmq.PublisherNoopReason(auditPublisher))
	emitter := telemetry.NewAuditEmitter(auditPublisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment)

	var uploader storage.Uploader
	if cfg.CloudinaryURL != "" {
		cld, err := storage.NewCloudinaryUploader(cfg.CloudinaryURL, cfg.CloudinaryFolder)
		if err != nil {
			log.Fatalf("failed to init uploader: %v", err)
		}
		uploader = cld
	} else {
		log.Printf("attachments disabled: empty CLOUDINARY_URL")
	}

	hub := ws.NewHub(auditPublisher)
	registry := session.NewRegistry(store, uploader, feed,
		func(userID string, snap messaging.Snapshot) { hub.PushSnapshot(userID, snap) },
		messaging.WithNotifier(notifier),
		messaging.WithAuditor(emitter),
	)

	registry.KeepWhile(hub.Connected)

	scheduler := cron.New()
	if _, err := registry.ScheduleEviction(scheduler, cfg.SessionIdleTTL); err != nil {
		log.Fatalf("failed to schedule session eviction: %v", err)
	}
	scheduler.Start()

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": registry.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("", middleware.AuthMiddleware(secret))
	handlers.NewConversationHandler(registry).Register(api)
	router.GET("/ws", ws.NewHandler(hub, registry, secret).Handle)
	handlers.RegisterDebugRoutes(router, emitter, cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("http listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen grpc: %v", err)
	}
	go func() {
		log.Printf("grpc listening on :%s", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("grpc server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	grpcServer.GracefulStop()
	<-scheduler.Stop().Done()
	registry.Close()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}

// buildChangeFeed picks the change transport. With Postgres the triggers announce changes;
// with AMQP the service announces its own writes through the notifier.
func buildChangeFeed(cfg config.Config) (changefeed.Feed, changefeed.Notifier, []io.Closer) {
	switch cfg.ChangeFeed {
	case "amqp":
		if cfg.AMQPURL == "" {
			log.Fatalf("CHANGEFEED=amqp requires AMQP_URL")
		}
		publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPChangesExchange)
		if rabbitmq.PublisherMode(publisher) != "amqp" {
			log.Fatalf("change publisher unavailable: %s", rabbitmq.PublisherNoopReason(publisher))
		}
		feed := changefeed.NewAMQPFeed(cfg.AMQPURL, cfg.AMQPChangesExchange)
		log.Printf("change feed mode=amqp exchange=%s", cfg.AMQPChangesExchange)
		return feed, changefeed.NewAMQPNotifier(publisher), []io.Closer{feed, publisher}
	case "postgres", "":
		feed, err := changefeed.NewPGFeed(cfg.DBDSN, db.ChangesChannel)
		if err != nil {
			log.Fatalf("failed to start change feed: %v", err)
		}
		log.Printf("change feed mode=postgres channel=%s", db.ChangesChannel)
		return feed, changefeed.NopNotifier{}, []io.Closer{feed}
	default:
		log.Fatalf("unknown CHANGEFEED %q", cfg.ChangeFeed)
		return nil, nil, nil
	}
}
