package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/unrolled/secure"

	"branch-ledger/internal/cache"
	"branch-ledger/internal/config"
	"branch-ledger/internal/domain"
	"branch-ledger/internal/events"
	"branch-ledger/internal/handler"
	"branch-ledger/internal/lock"
	"branch-ledger/internal/repository"
	"branch-ledger/internal/repository/memory"
	"branch-ledger/internal/service"
	"branch-ledger/migrations"
)

// Server represents the HTTP server
type Server struct {
	router    *mux.Router
	server    *http.Server
	store     domain.Store
	redis     *redis.Client
	publisher events.Publisher
	logger    *slog.Logger
	port      string
}

// NewServer wires the ledger behind the HTTP API. The store is chosen by
// cfg.StorageDriver; Redis and Kafka are only used when configured.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	ctx := context.Background()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:     store,
		publisher: events.NopPublisher{},
		logger:    logger,
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithPageSize(cfg.TransactionsPageSize),
	}

	if cfg.RedisAddr != "" {
		client, err := cache.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("Summary cache disabled", "redis_addr", cfg.RedisAddr, "error", err)
		} else {
			s.redis = client
			opts = append(opts, service.WithSummaryCache(cache.NewSummaryCache(client, cfg.SummaryCacheTTL, logger)))
			logger.Info("Summary cache enabled", "redis_addr", cfg.RedisAddr)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		opts = append(opts, service.WithPublisher(s.publisher))
		logger.Info("Publishing committed transactions", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	locks := lock.NewCoordinator(cfg.LockWaitTimeout, logger)
	ledger := service.NewLedgerService(store, locks, opts...)

	s.router = newRouter(cfg, logger, ledger, store)
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Store, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		logger.Info("Using in-memory store")
		return memory.NewStore(), nil
	}

	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Successfully connected to database")

	if err := migrations.Apply(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return repository.NewStore(db, logger), nil
}

func newRouter(cfg *config.Config, logger *slog.Logger, ledger *service.LedgerService, store domain.Store) *mux.Router {
	accountHandler := handler.NewAccountHandler(ledger)
	transactionHandler := handler.NewTransactionHandler(ledger)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	router.Use(secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "no-referrer",
	}).Handler)

	// Mutating routes share one per-client budget.
	limit := mutationLimiter(cfg.RateLimitPerMinute)

	// Account routes
	router.Handle("/accounts", limit(accountHandler.OpenAccount)).Methods("POST")
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")
	router.Handle("/accounts/{account_id}/close", limit(accountHandler.CloseAccount)).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/reconciliation", accountHandler.Reconcile).Methods("GET")
	router.HandleFunc("/owners/{owner_id}/summary", accountHandler.GetOwnerSummary).Methods("GET")
	router.HandleFunc("/owners/{owner_id}/accounts", accountHandler.ListOwnerAccounts).Methods("GET")
	router.HandleFunc("/stats", accountHandler.Stats).Methods("GET")

	// Transaction routes
	router.Handle("/accounts/{account_id}/credits", limit(transactionHandler.Credit)).Methods("POST")
	router.Handle("/accounts/{account_id}/debits", limit(transactionHandler.Debit)).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/transactions", transactionHandler.ListTransactions).Methods("GET")
	router.Handle("/transfers", limit(transactionHandler.Transfer)).Methods("POST")

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "storage unavailable"})
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	return router
}

func mutationLimiter(perMinute int) func(http.HandlerFunc) http.Handler {
	if perMinute <= 0 {
		return func(h http.HandlerFunc) http.Handler { return h }
	}
	limiter := httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(handler.RateLimited),
	)
	return func(h http.HandlerFunc) http.Handler {
		return limiter(h)
	}
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	// Get the actual port being used
	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains in-flight requests before releasing the store and clients.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error("Failed to close event publisher", "error", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close redis client", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", "error", err)
	}
	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Ephemeral port: test environment
		logger = config.DiscardLogger()
	} else {
		logger = cfg.NewLogger(os.Stdout)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.Stop(context.Background())
		return nil, "", err
	}

	return server, port, nil
}
