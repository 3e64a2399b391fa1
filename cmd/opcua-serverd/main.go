// Command opcua-serverd runs the opc.tcp server: it wires the Connection
// Supervisor, Shard Registry, Session Manager, Subscription Engines, and
// AddressSpace Facade together and serves until SIGINT/SIGTERM.
//
// Grounded on go-server-3/cmd/odin-ws/main.go's config/logging/metrics
// wiring and signal.NotifyContext shutdown shape, generalized from an
// HTTP+WebSocket hub to a raw opc.tcp listener plus a metrics-only HTTP
// side server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/opcua-server/internal/addrspace"
	"github.com/adred-codev/opcua-server/internal/addrspace/kafkafeed"
	"github.com/adred-codev/opcua-server/internal/addrspace/natsfeed"
	"github.com/adred-codev/opcua-server/internal/audit"
	"github.com/adred-codev/opcua-server/internal/auth"
	"github.com/adred-codev/opcua-server/internal/bufferpool"
	"github.com/adred-codev/opcua-server/internal/config"
	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/dispatcher"
	"github.com/adred-codev/opcua-server/internal/logging"
	"github.com/adred-codev/opcua-server/internal/metrics"
	"github.com/adred-codev/opcua-server/internal/resourceguard"
	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/shard"
	"github.com/adred-codev/opcua-server/internal/supervisor"
	"github.com/adred-codev/opcua-server/internal/ua"
	"github.com/adred-codev/opcua-server/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	policy := selectPolicy(cfg.Channel.SecurityPolicy)

	sessionMgr := session.NewManager(cfg.Session.DefaultTimeout)
	sessionMgr.RegisterValidator(ua.UserTokenAnonymous, func(token, nonce []byte) (session.Identity, error) {
		return session.Identity{TokenType: ua.UserTokenAnonymous}, nil
	})
	if cfg.Auth.JWTSecret != "" {
		jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		sessionMgr.RegisterValidator(ua.UserTokenIssuedToken, jwtManager.Validator())
	}

	space := addrspace.New()
	feed, err := buildDataFeed(cfg.AddressSpace, space, logger)
	if err != nil {
		logger.Fatal("failed to construct address space feed", zap.Error(err))
	}
	if err := feed.Start(); err != nil {
		logger.Fatal("failed to start address space feed", zap.Error(err))
	}
	defer feed.Stop() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()
	auditLogger := audit.New(logger)
	pool := bufferpool.New()
	shards := shard.NewRegistry(cfg.Server.ShardCount, logger)
	shards.SetAddressSpace(space)

	table := dispatcher.NewTable(sessionMgr)
	registerHandlers(table, &services{
		sessions: sessionMgr,
		shards:   shards,
		space:    space,
		policy:   policy,
		cfg:      cfg,
		metrics:  metricsRegistry,
		logger:   logger,
		audit:    auditLogger,
	})

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		logger.Fatal("failed to bind listener", zap.String("addr", cfg.Server.ListenAddr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := workerpool.New(cfg.Server.ShardCount * 4)
	workers.Start(ctx)

	sv := supervisor.New(listener, nil, shards, table, policy, pool, workers, cfg.Server.MaxConnections, cfg.Server.HighWatermarkBytes, logger)
	guard := resourceguard.New(cfg.Resource, logger, sv.ConnectionsCounter())
	sv.SetGuard(guard)

	go guard.MonitorCPU(ctx, 2*time.Second)
	go sweepExpiredSessions(ctx, sessionMgr, shards, metricsRegistry, auditLogger, logger)

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("opc.tcp server listening", zap.String("addr", cfg.Server.ListenAddr))
		serveErrCh <- sv.Serve()
	}()

	httpErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			httpErrCh <- runMetricsServer(ctx, cfg, metricsRegistry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("accept loop stopped", zap.Error(err))
		}
		stop()
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}

	sv.Shutdown(10 * time.Second)
	shards.Shutdown()
	logger.Info("server stopped")
}

// selectPolicy maps the configured SecurityPolicy URI to its
// implementation (component I collaborators, spec.md §6). An unrecognized
// URI falls back to None rather than failing startup, matching the
// permissive default an unauthenticated test client expects.
func selectPolicy(uri string) cryptopolicy.Policy {
	if ua.SecurityPolicyURI(uri) == ua.SecurityPolicyBasic256Sha256 {
		return cryptopolicy.Basic256Sha256Policy{}
	}
	return cryptopolicy.NonePolicy{}
}

// buildDataFeed selects the AddressSpace Facade's DataFeed backend per
// AddressSpaceConfig.Backend (spec.md component P / SPEC_FULL.md §10).
func buildDataFeed(cfg config.AddressSpaceConfig, space *addrspace.Space, logger *zap.Logger) (addrspace.DataFeed, error) {
	switch cfg.Backend {
	case "kafka":
		return kafkafeed.New(kafkafeed.Config{
			Brokers:       splitCSV(cfg.KafkaBrokers),
			ConsumerGroup: cfg.KafkaGroup,
			Topics:        []string{cfg.KafkaTopic},
		}, space, logger), nil
	case "nats", "":
		return natsfeed.New(natsfeed.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: "opcua.",
			StreamName:    "OPCUA_ADDRSPACE",
			ConsumerName:  "opcua-serverd",
		}, space, logger), nil
	default:
		return nil, fmt.Errorf("opcua-serverd: unknown addrspace backend %q", cfg.Backend)
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// sweepExpiredSessions periodically reclaims sessions whose clients have
// gone silent past their Timeout (spec.md §4.D), cascading into
// subscription and shard teardown.
func sweepExpiredSessions(ctx context.Context, sessions *session.Manager, shards *shard.Registry, m *metrics.Registry, auditLogger *audit.Logger, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range sessions.SweepExpired(now) {
				if sh, ok := shards.ShardForSession(s.ID); ok {
					sh.UnregisterSession(s.ID)
				}
				shards.ReleaseSession(s.ID)
				m.SessionsExpired.Inc()
				m.SessionsActive.Dec()
				logger.Info("session expired", zap.Uint32("session_id", s.ID))
				auditLogger.WithSession(s.ID).Warning("session_expired", "session timed out without activity", nil)
			}
		}
	}
}

func runMetricsServer(ctx context.Context, cfg config.Config, m *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	mux.Handle(cfg.Metrics.Endpoint, m.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
