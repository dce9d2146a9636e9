package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brixapay/be-expense-approvals/internal/client"
	"github.com/brixapay/be-expense-approvals/internal/config"
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/handler"
	"github.com/brixapay/be-expense-approvals/internal/logger"
	"github.com/brixapay/be-expense-approvals/internal/metrics"
	"github.com/brixapay/be-expense-approvals/internal/middleware"
	"github.com/brixapay/be-expense-approvals/internal/policy"
	"github.com/brixapay/be-expense-approvals/internal/repository"
	"github.com/brixapay/be-expense-approvals/internal/repository/memory"
	"github.com/brixapay/be-expense-approvals/internal/repository/postgres"
	"github.com/brixapay/be-expense-approvals/internal/service"
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
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Backend).
		Msg("Starting Expense Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize persistence
	var store repository.Store
	switch cfg.Store.Backend {
	case "memory":
		store = memory.New()
		log.Warn().Msg("Using in-memory store; state will not survive a restart")
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")
		store = postgres.New(db)
	}

	// Seed SoD rule configuration so enforcement never falls back to the
	// missing-rule default in a fresh environment.
	for _, rule := range service.DefaultSoDRules() {
		if _, err := store.SoDRules().GetByCode(ctx, rule.Code); err == nil {
			continue
		}
		if err := store.SoDRules().Put(ctx, rule); err != nil {
			log.Fatal().Err(err).Str("rule", string(rule.Code)).Msg("Failed to seed SoD rule")
		}
	}

	// Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	// Notification publisher (optional)
	var publisher service.EventPublisher
	if cfg.NATS.URL != "" {
		np, err := client.NewNotificationPublisher(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer np.Close()
		publisher = np
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher initialized")
	} else {
		log.Info().Msg("NATS_URL not set; notifications disabled")
	}

	// Identity directory
	identity := client.NewStaticIdentityDirectory()

	// Initialize services
	resolver := policy.NewResolver(store.Hierarchy(), store.Policies())
	sod := service.NewSoDValidator(store.SoDRules(), log)
	chains := service.NewChainRuleService(store.ChainRules(), log)
	hierarchySvc := service.NewHierarchyService(store.Hierarchy(), store.Policies(), log)
	delegationSvc := service.NewDelegationService(store.Delegations(), sod, log)
	approvalSvc := service.NewApprovalService(
		store.Approvals(), store.Delegations(), store.EscalationConfig(), store.Audit(),
		chains, resolver, sod, identity, publisher, m, cfg.Approval.SLAWindow, log,
	)
	escalationSvc := service.NewEscalationService(
		store.Approvals(), store.Delegations(), store.EscalationConfig(), store.Audit(),
		identity, publisher, m, log,
	)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalSvc, chains, delegationSvc, escalationSvc, hierarchySvc, resolver, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Hierarchy routes
	mux.HandleFunc("/api/v1/hierarchy/nodes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListNodes(w, r)
		case http.MethodPost:
			httpHandler.CreateNode(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/hierarchy/nodes/get", requireMethod(http.MethodGet, httpHandler.GetNode))
	mux.HandleFunc("/api/v1/hierarchy/policies", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.GetPolicy(w, r)
		case http.MethodPut:
			httpHandler.UpsertPolicy(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/hierarchy/policies/effective", requireMethod(http.MethodGet, httpHandler.GetEffectivePolicy))

	// Approval chain rule routes
	mux.HandleFunc("/api/v1/approval-rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListChainRules(w, r)
		case http.MethodPost:
			httpHandler.CreateChainRule(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approval-rules/get", requireMethod(http.MethodGet, httpHandler.GetChainRule))
	mux.HandleFunc("/api/v1/approval-rules/update", requireMethod(http.MethodPut, httpHandler.UpdateChainRule))
	mux.HandleFunc("/api/v1/approval-rules/delete", requireMethod(http.MethodDelete, httpHandler.DeleteChainRule))

	// Approval instance routes
	mux.HandleFunc("/api/v1/approvals/submit", requireMethod(http.MethodPost, httpHandler.SubmitApproval))
	mux.HandleFunc("/api/v1/approvals/decide", requireMethod(http.MethodPost, httpHandler.Decide))
	mux.HandleFunc("/api/v1/approvals/delegate", requireMethod(http.MethodPost, httpHandler.DelegateApproval))
	mux.HandleFunc("/api/v1/approvals/recall", requireMethod(http.MethodPost, httpHandler.RecallApproval))
	mux.HandleFunc("/api/v1/approvals/get", requireMethod(http.MethodGet, httpHandler.GetApproval))
	mux.HandleFunc("/api/v1/approvals/pending", requireMethod(http.MethodGet, httpHandler.PendingApprovals))
	mux.HandleFunc("/api/v1/approvals/history", requireMethod(http.MethodGet, httpHandler.ApprovalHistory))

	// Delegation routes
	mux.HandleFunc("/api/v1/delegations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListDelegations(w, r)
		case http.MethodPost:
			httpHandler.CreateDelegation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/delegations/get", requireMethod(http.MethodGet, httpHandler.GetDelegation))
	mux.HandleFunc("/api/v1/delegations/revoke", requireMethod(http.MethodPost, httpHandler.RevokeDelegation))

	// Escalation routes
	mux.HandleFunc("/api/v1/escalations/sweep", requireMethod(http.MethodPost, httpHandler.RunEscalationSweep))
	mux.HandleFunc("/api/v1/escalations/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.GetEscalationConfig(w, r)
		case http.MethodPatch:
			httpHandler.UpdateEscalationConfig(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log)(h)
	h = middleware.Recovery(&log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

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

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// requireMethod rejects any method other than the given one.
func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
