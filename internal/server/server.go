// Package server wires the configured components into a runnable gateway:
// session store, security policy, conditional cache, Fizzy API client, audit
// recorder, and the transport router.
package server

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/audit"
	auditpg "github.com/Fabric-Pro/fizzy-mcp/pkg/audit/postgres"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/cache"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/config"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/database/migrate"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/security"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/session"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/transport"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/upstream"
)

// Version is set at build time.
var Version = "dev"

// retentionSweepInterval is how often the postgres audit store purges
// expired events.
const retentionSweepInterval = time.Hour

// Server owns the gateway components and their shutdown order.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *session.Store[transport.Handler]
	cache    *cache.Cache
	upstream *upstream.Client
	recorder audit.Recorder
	db       *sql.DB
	handler  http.Handler
}

// New builds a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger}

	if err := s.setupAudit(); err != nil {
		return nil, err
	}
	s.setupCache()
	if err := s.setupUpstream(); err != nil {
		s.closeQuietly()
		return nil, err
	}

	policy, err := buildPolicy(cfg.Security)
	if err != nil {
		s.closeQuietly()
		return nil, err
	}

	s.store = session.NewStore(session.Config[transport.Handler]{
		MaxSessions:     *cfg.Sessions.MaxSessions,
		Timeout:         cfg.Sessions.Timeout,
		CleanupInterval: cfg.Sessions.CleanupInterval,
		OnEvict:         transport.EvictionRecorder(cfg.Server.Transport, s.recorder, logger),
	})

	opts := transport.Options{
		Store:           s.store,
		Factory:         s.newHandlerFactory(),
		Policy:          policy,
		Logger:          logger,
		Recorder:        s.recorder,
		Endpoint:        cfg.Server.Endpoint,
		MessageEndpoint: cfg.Server.MessageEndpoint,
		HealthPath:      cfg.Server.HealthPath,
	}

	switch cfg.Server.Transport {
	case transport.TransportSSE:
		s.handler = transport.NewSSERouter(opts)
	default:
		s.handler = transport.NewStreamableRouter(opts)
	}

	return s, nil
}

// Handler returns the gateway's HTTP entry point.
func (s *Server) Handler() http.Handler { return s.handler }

// Store exposes the session store, mainly for tests.
func (s *Server) Store() *session.Store[transport.Handler] { return s.store }

// Upstream returns the Fizzy API client, or nil when no upstream is
// configured.
func (s *Server) Upstream() *upstream.Client { return s.upstream }

// Close releases the store, audit recorder, and database.
func (s *Server) Close() error {
	if s.store != nil {
		s.store.Dispose()
	}
	return s.closeAudit()
}

func (s *Server) setupAudit() error {
	if !s.cfg.Audit.Enabled {
		return nil
	}

	if s.cfg.Audit.Backend == "log" {
		s.recorder = audit.NewLogRecorder(s.logger)
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.Audit.DSN)
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.Audit.MaxOpenConns)

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrating audit database: %w", err)
	}

	store := auditpg.New(db, auditpg.Config{RetentionDays: s.cfg.Audit.RetentionDays})
	store.StartRetentionRoutine(retentionSweepInterval)

	s.db = db
	s.recorder = store
	return nil
}

func (s *Server) closeAudit() error {
	var err error
	if s.recorder != nil {
		err = s.recorder.Close()
	}
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) closeQuietly() {
	if cerr := s.closeAudit(); cerr != nil {
		s.logger.Warn("closing audit recorder failed", "error", cerr)
	}
}

func (s *Server) setupCache() {
	if !s.cfg.Cache.Enabled {
		return
	}
	s.cache = cache.New(s.cfg.Cache.MaxEntries, s.cfg.Cache.MaxAge)
}

func (s *Server) setupUpstream() error {
	if s.cfg.Upstream.BaseURL == "" {
		return nil
	}
	client, err := upstream.New(upstream.Config{
		BaseURL: s.cfg.Upstream.BaseURL,
		Token:   s.cfg.Upstream.Token,
		Timeout: s.cfg.Upstream.Timeout,
		Cache:   s.cache,
		Logger:  s.logger,
	})
	if err != nil {
		return fmt.Errorf("building upstream client: %w", err)
	}
	s.upstream = client
	return nil
}

func buildPolicy(sec config.SecurityConfig) (security.Policy, error) {
	policy := security.Policy{
		AllowedOrigins: sec.AllowedOrigins,
		AuthToken:      sec.AuthToken,
		AuthTokenHash:  sec.AuthTokenHash,
	}
	if sec.JWTSigningKey != "" {
		key, err := base64.StdEncoding.DecodeString(sec.JWTSigningKey)
		if err != nil {
			return security.Policy{}, fmt.Errorf("decoding jwt signing key: %w", err)
		}
		policy.JWTSigningKey = key
	}
	return policy, nil
}

// newHandlerFactory builds per-session MCP protocol handlers. The SDK server
// runs in stateless mode; the router owns the session ID and its lifetime.
func (s *Server) newHandlerFactory() transport.HandlerFactory {
	return func(_ *http.Request, onAssigned func(string)) (transport.Handler, error) {
		mcpServer := mcp.NewServer(&mcp.Implementation{
			Name:    s.cfg.Server.Name,
			Version: Version,
		}, nil)
		s.registerGatewayTools(mcpServer)

		inner := mcp.NewStreamableHTTPHandler(
			func(*http.Request) *mcp.Server { return mcpServer },
			&mcp.StreamableHTTPOptions{Stateless: true},
		)

		onAssigned(uuid.NewString())
		return &mcpHandler{inner: inner}, nil
	}
}

// mcpHandler adapts the SDK's HTTP handler to the router's Handler contract.
type mcpHandler struct {
	inner http.Handler
}

var _ transport.Handler = (*mcpHandler)(nil)

func (h *mcpHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// The router owns the session header; the stateless SDK handler must
	// not see a session ID it never issued.
	r.Header.Del(transport.SessionIDHeader)
	h.inner.ServeHTTP(w, r)
}
