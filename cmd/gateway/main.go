package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"pdks/pkg/admission"
	"pdks/pkg/audit"
	"pdks/pkg/auth"
	"pdks/pkg/clientip"
	"pdks/pkg/eventbus"
	"pdks/pkg/eventstore"
	"pdks/pkg/hardening"
	"pdks/pkg/httpx"
	"pdks/pkg/metrics"
	"pdks/pkg/models"
	"pdks/pkg/ratelimit"
	"pdks/pkg/replay"
	"pdks/pkg/store"
	"pdks/pkg/stream"
	"pdks/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
)

// tenantAdminRoles may read and approve their own tenant's events.
var tenantAdminRoles = []string{"ADMIN", "HR_MANAGER"}

type Server struct {
	Admission           *admission.Gateway
	Events              eventReader
	Audit               auditReader
	Hub                 *stream.Hub
	Metrics             *metrics.Registry
	ClientIPs           clientip.Resolver
	AuthMode            string
	AuthSecret          string
	AuthOptions         []auth.MiddlewareOption
	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	MaxRequestBodyBytes int64
}

type eventReader interface {
	List(ctx context.Context, f eventstore.ListFilter) ([]models.Event, error)
	Get(ctx context.Context, tenantID, id string) (models.Event, error)
	Approve(ctx context.Context, tenantID, id, approver string) (models.Event, error)
}

type auditReader interface {
	Get(ctx context.Context, decisionID, tenantID string) (audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenStoreFunc func(ctx context.Context, backend string) (store.Store, func(), error)
type gatewayOpenBusFunc func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadDotenv     = godotenv.Load
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresOptionsFromEnv("pdks-gateway"))
	}
	openStoreFnG   = openStore
	openBusFnG     = func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) {
		p, err := eventbus.NewKafkaPublisher(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	listenFnG = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	// a missing .env is normal outside local development
	_ = loadDotenv()
	if err := runGateway(initTelemetryG, openDBFnG, openStoreFnG, openBusFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openKV gatewayOpenStoreFunc,
	openBus gatewayOpenBusFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	storeBackend := strings.ToLower(strings.TrimSpace(env("STORE_BACKEND", "redis")))
	authMode := strings.ToLower(strings.TrimSpace(env("AUTH_MODE", auth.ModeHS256)))
	authSecret := env("AUTH_HS256_SECRET", "")
	required := []hardening.EnvRequirement{{Name: "AUDIT_HASH_SALT", Value: env("AUDIT_HASH_SALT", "")}}
	if authMode == auth.ModeHS256 {
		required = append(required, hardening.EnvRequirement{Name: "AUTH_HS256_SECRET", Value: authSecret})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		StoreBackend:          storeBackend,
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		AuthMode:              authMode,
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:      env("WS_ALLOWED_ORIGINS", ""),
		RequiredSecrets:       required,
	}); err != nil {
		return err
	}
	switch authMode {
	case auth.ModeHS256:
		if strings.TrimSpace(authSecret) == "" {
			return errors.New("AUTH_MODE=hs256 requires AUTH_HS256_SECRET")
		}
	case auth.ModeTrustedHeaders:
		log.Printf("AUTH_MODE=trusted_headers: tenant scope is taken from proxy headers")
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", authMode)
	}

	shutdown, err := initTelemetry(ctx, telemetry.DefaultServiceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	kv, closeKV, err := openKV(ctx, storeBackend)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeKV()

	var publisher eventbus.Publisher
	if brokers := eventbus.ParseBrokers(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		publisher, err = openBus(eventbus.KafkaConfig{
			Brokers:      brokers,
			Topic:        env("KAFKA_TOPIC", eventbus.DefaultTopic),
			WriteTimeout: time.Millisecond * time.Duration(envInt("KAFKA_WRITE_TIMEOUT_MS", 2000)),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = publisher.Close() }()
	} else {
		log.Printf("KAFKA_BROKERS not set; admitted events are not published downstream")
	}

	s := newServer(kv, pool, publisher)
	s.AuthMode = authMode
	s.AuthSecret = authSecret

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s (store=%s auth=%s)", addr, storeBackend, authMode)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// newServer wires the admission pipeline over kv. db and publisher may be nil.
func newServer(kv store.Store, db gatewayDB, publisher eventbus.Publisher) *Server {
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	gw := admission.New(kv, admission.Config{
		ReplayWindow:   envDurationSec("REPLAY_WINDOW_SEC", int(replay.DefaultWindow/time.Second)),
		RateLimit:      envInt("RATE_LIMIT_PER_WINDOW", ratelimit.DefaultLimit),
		RateWindow:     envDurationSec("RATE_LIMIT_WINDOW_SEC", int(ratelimit.DefaultWindow/time.Second)),
		SyncMarkerTTL:  envDurationSec("SYNC_MARKER_TTL_SEC", 0),
		MinGPSAccuracy: envFloat("MIN_GPS_ACCURACY_METERS", admission.DefaultMinGPSAccuracy),
		SingleDevice:   envBool("SINGLE_DEVICE_PER_EMPLOYEE", true),
	})
	gw.Hub = hub
	gw.Metrics = reg
	gw.Tracer = telemetry.Tracer("pdks/admission")
	gw.Publisher = publisher

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 64<<10))
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	s := &Server{
		Admission:          gw,
		Hub:                hub,
		Metrics:            reg,
		ClientIPs:          clientip.Resolver{TrustedProxies: clientip.ParseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))},
		AuthMode:           auth.ModeHS256,
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:   splitList(env("WS_ALLOWED_ORIGINS", "")),
		AuthOptions: []auth.MiddlewareOption{
			auth.WithIssuer(env("AUTH_ISSUER", "")),
			auth.WithAudience(env("AUTH_AUDIENCE", "")),
			auth.WithLeeway(envDurationSec("AUTH_LEEWAY_SEC", 30)),
		},
		MaxRequestBodyBytes: maxBody,
	}
	if db != nil {
		events := &eventstore.Writer{DB: db}
		gw.Events = events
		s.Events = events
		auditWriter := &audit.Writer{
			DB:       db,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true"),
		}
		gw.Audit = auditWriter
		s.Audit = auditWriter
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(telemetry.DefaultServiceName))
	r.Use(httpx.BodyLimitMiddleware(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthOptions...))
		r.Post("/v1/pdks/check-in", s.checkIn)

		r.With(auth.RequireRoles(tenantAdminRoles...)).Get("/v1/stream", s.streamEvents)
		r.With(auth.RequireRoles(tenantAdminRoles...)).Get("/v1/events", s.listEvents)
		r.With(auth.RequireRoles(tenantAdminRoles...)).Post("/v1/events/{event_id}/approve", s.approveEvent)
		r.With(auth.RequireRoles(tenantAdminRoles...)).Get("/v1/audit/{decision_id}", s.getAudit)
		r.With(auth.RequireRoles(tenantAdminRoles...)).Get("/v1/employees/{user_id}/device", s.getEmployeeDevice)
		r.With(auth.RequireRoles(tenantAdminRoles...)).Delete("/v1/employees/{user_id}/device", s.resetEmployeeDevice)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRoles())
			r.Get("/metrics", s.withGauges(s.Metrics.Handler()))
			r.Get("/metrics/prometheus", s.withGauges(s.Metrics.PrometheusHandler()))
			r.Get("/v1/displays/{display_id}/binding", s.getBinding)
			r.Put("/v1/displays/{display_id}/binding", s.rebind)
			r.Delete("/v1/displays/{display_id}/binding", s.unbind)
		})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Hijack passes the websocket upgrade through to the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routePattern(r)
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

// routePattern keeps ids out of metric names.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func (s *Server) withGauges(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Hub.Subscribers()))
		s.Metrics.SetGauge("stream_dropped_events", float64(s.Hub.Dropped()))
		h(w, r)
	}
}

func openStore(ctx context.Context, backend string) (store.Store, func(), error) {
	switch backend {
	case "memory":
		log.Printf("STORE_BACKEND=memory: replay, binding and rate state is local to this process")
		return store.NewMemoryStore(), func() {}, nil
	case "", "redis":
		client, err := store.NewRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported STORE_BACKEND %q", backend)
	}
}

func splitList(raw string) []string {
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
