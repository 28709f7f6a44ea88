package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pawmi/pawmi-server/internal/billing"
	"github.com/pawmi/pawmi-server/internal/handlers"
	"github.com/pawmi/pawmi-server/internal/outbox"
	"github.com/pawmi/pawmi-server/internal/push"
	"github.com/pawmi/pawmi-server/internal/reminder"
	"github.com/pawmi/pawmi-server/internal/series"
	"github.com/pawmi/pawmi-server/internal/storage"
	"github.com/pawmi/pawmi-server/libs/config"
	"github.com/pawmi/pawmi-server/libs/db"
	"github.com/pawmi/pawmi-server/libs/httpx"
	"github.com/pawmi/pawmi-server/libs/kafkax"
	otelx "github.com/pawmi/pawmi-server/libs/otel"
	"github.com/pawmi/pawmi-server/libs/runtime"
)

// reminderEvents bridges delivered reminders into the outbox.
type reminderEvents struct {
	repo   *outbox.Repository
	logger *slog.Logger
}

func (e *reminderEvents) ReminderSent(ctx context.Context, accountID, userID, appointmentID string, offsetMinutes int) {
	payload, err := json.Marshal(map[string]any{
		"account_id":     accountID,
		"user_id":        userID,
		"appointment_id": appointmentID,
		"offset_minutes": offsetMinutes,
		"sent_at":        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Error("building reminder event failed", "err", err)
		return
	}
	err = e.repo.Insert(ctx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   appointmentID,
		EventType:     outbox.EventReminderSent,
		Payload:       payload,
	})
	if err != nil {
		e.logger.Error("enqueueing reminder event failed", "err", err)
	}
}

func main() {
	service := config.String("SERVICE_NAME", "pawmi-server")
	port, err := config.Port("PORT", "8080")
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
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	apptRepo := storage.NewAppointmentRepository(pool)
	reminderRepo := storage.NewReminderRepository(pool)
	accountRepo := storage.NewAccountRepository(pool)
	billingRepo := storage.NewBillingRepository(pool)
	outboxRepo := outbox.NewRepository(pool)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:  config.String("KAFKA_BROKERS", ""),
		Interval: config.Duration("OUTBOX_DRAIN_INTERVAL", 2*time.Second),
		DrainMax: config.Int("OUTBOX_DRAIN_MAX", 50),
	})
	go outboxPublisher.Run(ctx)

	manager := series.NewManager(apptRepo, logger)
	enforcer := billing.NewEnforcer(accountRepo, apptRepo)

	sender := push.NewClient(config.String("EXPO_PUSH_URL", push.DefaultURL))
	dispatcher := reminder.NewDispatcher(reminderRepo, sender, logger,
		config.Int("REMINDER_WINDOW_MINUTES", reminder.DefaultWindowMinutes))
	dispatcher.Events = &reminderEvents{repo: outboxRepo, logger: logger}

	apptHandler := handlers.NewAppointmentsHandler(manager, apptRepo, enforcer, outboxRepo, logger)
	devicesHandler := handlers.NewDevicesHandler(accountRepo, logger)
	prefsHandler := handlers.NewPreferencesHandler(accountRepo, logger)
	remindersHandler := handlers.NewRemindersHandler(dispatcher, config.String("CRON_SECRET", ""), logger)
	stripeHandler := handlers.NewStripeWebhookHandler(billingRepo, accountRepo, outboxRepo, logger,
		config.String("STRIPE_WEBHOOK_SECRET", ""),
		config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute))

	var rateLimitMW httpx.Middleware
	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		redisDB, _ := strconv.Atoi(config.String("REDIS_DB", "0"))
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	protected := func(h http.HandlerFunc) http.Handler {
		return httpx.Chain(h,
			handlers.RequireAuth(jwtSecret),
			handlers.RequireMember(accountRepo, logger),
		)
	}

	mux.Handle("POST /api/v1/appointments", protected(apptHandler.Create))
	mux.Handle("GET /api/v1/appointments", protected(apptHandler.List))
	mux.Handle("GET /api/v1/appointments/{id}", protected(apptHandler.Get))
	mux.Handle("PATCH /api/v1/appointments/{id}", protected(apptHandler.Update))
	mux.Handle("DELETE /api/v1/appointments/{id}", protected(apptHandler.Delete))
	mux.Handle("GET /api/v1/appointments/series/{id}/occurrences", protected(apptHandler.SeriesOccurrences))
	mux.Handle("POST /api/v1/appointments/series/{id}/delete", protected(apptHandler.DeleteSeries))
	mux.Handle("POST /api/v1/devices", protected(devicesHandler.Register))
	mux.Handle("GET /api/v1/notification-preferences", protected(prefsHandler.Get))
	mux.Handle("PUT /api/v1/notification-preferences", protected(prefsHandler.Update))

	// Signature-authenticated surfaces; no JWT.
	mux.HandleFunc("POST /api/v1/billing/stripe/webhook", stripeHandler.Handle)
	mux.HandleFunc("POST /api/v1/appointments/reminders", remindersHandler.Run)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			MaxAge:         config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithBodyLimit(1<<20),
		rateLimitMW,
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

	if every := config.Duration("REMINDER_RUN_EVERY", 0); every > 0 {
		go func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					summary, err := dispatcher.Run(ctx, time.Now().UTC())
					if err != nil {
						logger.Error("reminder dispatch failed", "err", err)
						continue
					}
					logger.Info("reminder dispatch completed",
						"processed", summary.Processed, "sent", summary.Sent,
						"failed", summary.Failed, "skipped", summary.Skipped)
				}
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
