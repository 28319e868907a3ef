package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tickrace/settlement/pkg/logging"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func main() {
	logging.Setup()

	tp, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("error shutting down tracer", "error", err)
		}
	}()

	mp, err := initMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			slog.Error("error shutting down meter", "error", err)
		}
	}()

	dbPool, err := initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbPool.Close()

	repository := NewPostgresRepository(dbPool)
	processor := NewRestProcessor(
		getEnv("PROCESSOR_BASE_URL", "https://api.processor.test"),
		getEnv("PROCESSOR_SECRET_KEY", ""),
		10*time.Second,
	)
	mailer := NewRestMailer(
		getEnv("MAILER_BASE_URL", "https://api.mailer.test"),
		getEnv("MAILER_API_KEY", ""),
		5*time.Second,
	)

	meter := otel.Meter("settlement-service")
	reconciliations := mustCounter(meter, "tickrace.settlement.reconciliations", "Paiements réconciliés")
	transfers := mustCounter(meter, "tickrace.settlement.transfers", "Reversements exécutés")
	refunds := mustCounter(meter, "tickrace.settlement.refunds", "Remboursements émis")

	releaseDelayT1 := getDurationEnv("RELEASE_DELAY_T1", 72*time.Hour)
	releaseDelayT2 := getDurationEnv("RELEASE_DELAY_T2", 168*time.Hour)

	reconcileUC := NewReconcileUseCase(repository, processor, mailer, releaseDelayT1, releaseDelayT2, reconciliations)
	transferUC := NewTransferUseCase(repository, processor, transfers)
	refundUC := NewRefundUseCase(repository, processor, refunds)

	tracer := tp.Tracer("settlement-service")
	handler := NewSettlementHandler(reconcileUC, transferUC, refundUC,
		getEnv("PROCESSOR_WEBHOOK_SECRET", ""), tracer)

	adminSecret := getEnv("ADMIN_JWT_SECRET", "")
	if adminSecret == "" {
		log.Fatal("ADMIN_JWT_SECRET is required")
	}

	r := gin.Default()
	r.Use(otelgin.Middleware(getEnv("SERVICE_NAME", "settlement-service")))

	r.GET("/health", handler.HealthCheck)

	// Entrées de réconciliation: webhook signé et retour client
	r.POST("/webhooks/processor", handler.HandleProcessorWebhook)
	r.POST("/paiements/confirmation", handler.ConfirmPayment)

	// Invoqué par l'ordonnanceur externe
	r.POST("/taches/reversements", handler.RunTransferBatch)

	authed := r.Group("/", AuthMiddleware(adminSecret))
	authed.POST("/inscriptions/:id/remboursement", handler.RequestRefund)

	admin := authed.Group("/admin", RequireAdmin())
	admin.POST("/reversements", handler.TriggerPayout)
	admin.POST("/reversements/:id/replanifier", handler.RequeueObligation)

	port := getEnv("PORT", "8080")
	slog.Info("🚀 settlement service listening", "port", port)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func initDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("DATABASE_USER", "root"),
		getEnv("DATABASE_PASSWORD", "pass"),
		getEnv("DATABASE_HOST", "localhost"),
		getEnv("DATABASE_PORT", "5432"),
		getEnv("DATABASE_NAME", "tickrace_db"),
	)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			slog.Info("✅ connected to settlement database")
			return pool, nil
		}
		slog.Info("⏳ waiting for database", "attempt", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initTracer() (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(getEnv("SERVICE_NAME", "settlement-service")),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics() (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(getEnv("SERVICE_NAME", "settlement-service")),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

func mustCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		log.Fatalf("Failed to create counter %s: %v", name, err)
	}
	return counter
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", key, "value", value)
	}
	return defaultValue
}
