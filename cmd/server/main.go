// Package main wires the incident-response pipeline together and serves
// it over HTTP: config, persistence, the cluster client, every collector,
// the rules/ranker/runbook stages, policy/approval/execution/verification,
// the workflow orchestrator, and the REST ingress, with graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/aiops-responder/internal/api/rest"
	"github.com/kubilitics/aiops-responder/internal/approval"
	"github.com/kubilitics/aiops-responder/internal/audit"
	"github.com/kubilitics/aiops-responder/internal/blastradius"
	"github.com/kubilitics/aiops-responder/internal/collectors"
	"github.com/kubilitics/aiops-responder/internal/config"
	"github.com/kubilitics/aiops-responder/internal/executor"
	"github.com/kubilitics/aiops-responder/internal/gateway"
	"github.com/kubilitics/aiops-responder/internal/graph"
	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/kvstore"
	"github.com/kubilitics/aiops-responder/internal/orchestrator"
	"github.com/kubilitics/aiops-responder/internal/policy"
	"github.com/kubilitics/aiops-responder/internal/store"
	"github.com/kubilitics/aiops-responder/internal/verifier"
)

func main() {
	configPath := os.Getenv("AIOPS_CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/aiops-responder/config.yaml"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewManager(configPath)
	if err != nil {
		log.Fatalf("config: new manager: %v", err)
	}
	if err := mgr.Load(ctx); err != nil {
		log.Fatalf("config: load: %v", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg := mgr.Get(ctx)

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting aiops-responder",
		zap.String("app_env", cfg.AppEnv), zap.String("cluster", cfg.Cluster.Name))

	auditLogger, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
		LogLevel:     cfg.Logging.Level,
	})
	if err != nil {
		logger.Fatal("audit logger init failed", zap.Error(err))
	}
	defer auditLogger.Close()

	if err := store.Migrate(cfg.Stores.PostgresURL); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}
	db, err := store.NewPostgres(cfg.Stores.PostgresURL)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	kv := kvstore.New(cfg.Stores.RedisAddr, cfg.Stores.RedisDB)
	defer kv.Close()

	k8sClient, err := k8s.NewClient(cfg.Cluster.KubeconfigPath, cfg.Cluster.Context)
	if err != nil {
		logger.Fatal("kubernetes client init failed", zap.Error(err))
	}
	k8sClient.SetClusterID(cfg.Cluster.Name)
	k8sClient.SetCircuitBreakerTuning(
		cfg.Cluster.CircuitBreakerFailureThreshold,
		time.Duration(cfg.Cluster.CircuitBreakerOpenSeconds)*time.Second,
	)

	lokiClient := collectors.NewLokiClient(cfg.Stores.LokiBaseURL)
	metricsAPI, err := collectors.NewMetricsAPI(cfg.Stores.MetricsBaseURL)
	if err != nil {
		logger.Fatal("metrics client init failed", zap.Error(err))
	}

	pipelineCollectors := []collectors.Collector{
		&collectors.ClusterStateCollector{Client: k8sClient},
		&collectors.LogsCollector{Store: lokiClient, MaxLogLines: cfg.Evidence.MaxLogLines},
		&collectors.MetricsCollector{API: metricsAPI, MaxMetricPoints: cfg.Evidence.MaxMetricPoints},
		&collectors.ChangeHistoryCollector{Client: k8sClient},
	}

	graphAssembler := graph.New(db)
	blastCalc := blastradius.New(k8sClient)
	policyGate := policy.New(cfg.Stores.PolicyBaseURL, cfg.Stores.PolicyPath)

	var approvalSink approval.ChatSink
	if cfg.Slack.BotToken != "" {
		approvalSink = approval.NewSlackChatSink(cfg.Slack.BotToken, cfg.Slack.ApprovalChannel, approval.NewMemoryResponseStore())
	}
	approvalCoordinator := approval.New(approvalSink, logger)

	remediationExecutor := executor.New(k8sClient)
	verify := &verifier.Verifier{Metrics: metricsAPI, Client: k8sClient}

	orch := orchestrator.New(
		db, graphAssembler, pipelineCollectors, blastCalc, policyGate,
		approvalCoordinator, remediationExecutor, verify, nil, auditLogger, logger,
		orchestrator.Config{
			AppEnv:               cfg.AppEnv,
			AutoApproveDev:       cfg.Remediation.AutoApproveDev,
			AutoApproveStaging:   cfg.Remediation.AutoApproveStaging,
			AutoApproveProd:      cfg.Remediation.AutoApproveProd,
			MaxBlastRadius:       cfg.Remediation.MaxBlastRadius,
			VerificationWaitSecs: cfg.Remediation.VerificationWaitSecs,
			EvidenceWindow:       time.Duration(cfg.Evidence.TimeWindowMinutes) * time.Minute,
		},
	)

	gw := gateway.New(db, kv, orch, logger, gateway.Config{
		FingerprintTTLHours: cfg.Fingerprint.TTLHours,
		RateLimitPerMinute:  cfg.RateLimit.PerMinute,
	})

	dependencies := []rest.Dependency{
		{Name: "postgres", Check: func() error { return db.Ping(ctx) }},
		{Name: "redis", Check: func() error { return kv.Ping(ctx) }},
		{Name: "kubernetes", Check: func() error { return k8sClient.TestConnection(ctx) }},
		{Name: "policy", Check: func() error {
			if policyGate.CheckHealth(ctx) {
				return nil
			}
			return fmt.Errorf("policy engine unreachable")
		}},
	}
	handler := rest.NewHandler(gw, dependencies, logger)

	router := mux.NewRouter()
	rest.SetupRoutes(router, handler)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newLogger builds the application zap.Logger from cfg.Logging, json or
// console encoded, writing to stderr.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Logging.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller()), nil
}
