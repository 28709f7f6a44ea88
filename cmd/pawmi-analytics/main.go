package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pawmi/pawmi-server/internal/analytics"
	"github.com/pawmi/pawmi-server/internal/outbox"
	"github.com/pawmi/pawmi-server/libs/config"
	"github.com/pawmi/pawmi-server/libs/db"
	"github.com/pawmi/pawmi-server/libs/httpx"
	"github.com/pawmi/pawmi-server/libs/kafkax"
	otelx "github.com/pawmi/pawmi-server/libs/otel"
	"github.com/pawmi/pawmi-server/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "pawmi-analytics")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inbox := analytics.NewInbox(pool)
	recorder := analytics.NewRecorder(analytics.NewMetricsRepository(pool), logger)

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "pawmi-analytics")

	createdConsumer := analytics.NewConsumer(logger, inbox, analytics.ConsumerConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   outbox.EventAppointmentCreated,
	}, recorder.AppointmentCreated)
	go createdConsumer.Run(ctx)

	cancelledConsumer := analytics.NewConsumer(logger, inbox, analytics.ConsumerConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   outbox.EventAppointmentCancelled,
	}, recorder.AppointmentCancelled)
	go cancelledConsumer.Run(ctx)

	reminderConsumer := analytics.NewConsumer(logger, inbox, analytics.ConsumerConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   outbox.EventReminderSent,
	}, recorder.ReminderSent)
	go reminderConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
