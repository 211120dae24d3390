package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stiapanreha-dev/xbmc/pkg/audit"
	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/hardening"
	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
	"github.com/stiapanreha-dev/xbmc/pkg/metrics"
	"github.com/stiapanreha-dev/xbmc/pkg/notify"
	"github.com/stiapanreha-dev/xbmc/pkg/payment"
	"github.com/stiapanreha-dev/xbmc/pkg/procure"
	"github.com/stiapanreha-dev/xbmc/pkg/ratelimit"
	"github.com/stiapanreha-dev/xbmc/pkg/store"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"
	"github.com/stiapanreha-dev/xbmc/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type Server struct {
	DB                  serverDB
	Catalogue           catalogueStore
	Cache               store.Cache
	Tokens              *auth.TokenManager
	EmailSender         notify.Sender
	SMSSender           notify.Sender
	Payments            paymentGateway
	Console             consoleLog
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	AuthLimitPerMinute  int
	CodeLimitPerMinute  int
	CodeCooldown        time.Duration
	CodeTTL             time.Duration
	ExportRowCap        int
	MaxRequestBodyBytes int64
	SecureCookies       bool

	now     func() time.Time
	newCode func() string
}

type serverDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// catalogueStore is the read surface of the external procurement
// database, satisfied by procure.Client.
type catalogueStore interface {
	FetchPage(ctx context.Context, f procure.Filter, limit, offset int) (procure.Page, error)
	Get(ctx context.Context, id int64) (procure.Record, error)
	Items(ctx context.Context, recordID int64) ([]procure.Item, error)
	RecentIDs(ctx context.Context, n int) ([]int64, error)
	ExecRaw(ctx context.Context, stmt string) (procure.RawResult, error)
}

type paymentGateway interface {
	Create(ctx context.Context, userID int64, amount decimal.Decimal, description string) (payment.Payment, error)
}

type consoleLog interface {
	Append(ctx context.Context, e audit.Entry) error
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

type serverDBCloser interface {
	serverDB
	Close()
}

type serverInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type serverOpenDBFunc func(ctx context.Context) (serverDBCloser, error)
type serverOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type serverListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryS = telemetry.Init
	openDBFnS      = func(ctx context.Context) (serverDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnS   = store.NewRedis
	listenFnS      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runServer(initTelemetryS, openDBFnS, openRedisFnS, listenFnS); err != nil {
		logFatalf("server: %v", err)
	}
}

func runServer(
	initTelemetry serverInitTelemetryFunc,
	openDB serverOpenDBFunc,
	openRedis serverOpenRedisFunc,
	listen serverListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "server")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	sessionSecret := env("SESSION_SECRET", "")
	tokens, err := auth.NewTokenManager(sessionSecret, "xbmc", envDurationSec("SESSION_TTL_SEC", 86400))
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	paymentDemo := env("PAYMENT_DEMO", "false") == "true"
	paymentSecret := env("PAYMENT_SECRET_KEY", "")
	requiredSecrets := []hardening.EnvRequirement{}
	if !paymentDemo {
		requiredSecrets = append(requiredSecrets, hardening.EnvRequirement{Name: "PAYMENT_SECRET_KEY", Value: paymentSecret})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "server",
		Environment:            env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:     env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:     env("DATABASE_REQUIRE_TLS", ""),
		SessionSecret:          sessionSecret,
		RedisAddr:              env("REDIS_ADDR", ""),
		RedisRequireTLS:        env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:       env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:  env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:     env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: requiredSecrets,
	}); err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	catalogue := procure.NewClient(
		env("ZAKUPKI_DATABASE_URL", ""),
		time.Millisecond*time.Duration(envInt("ZAKUPKI_STATEMENT_TIMEOUT_MS", 15000)),
		registry,
	)
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000))})
	gateway := payment.NewClient(
		env("PAYMENT_SHOP_ID", ""),
		paymentSecret,
		env("PAYMENT_API_URL", ""),
		env("PAYMENT_RETURN_URL", ""),
		httpClient,
		paymentDemo,
	)

	s := &Server{
		DB:                  pool,
		Catalogue:           catalogue,
		Cache:               cache,
		Tokens:              tokens,
		EmailSender:         notify.NewEmailSender(env("SMTP_HOST", ""), env("SMTP_PORT", "587"), env("SMTP_USERNAME", ""), env("SMTP_PASSWORD", ""), env("SMTP_FROM", "")),
		SMSSender:           notify.NewSMSSender(env("SMS_API_URL", ""), env("SMS_API_KEY", ""), env("SMS_SENDER", ""), httpClient),
		Payments:            gateway,
		Console:             &audit.Writer{DB: pool, Redact: env("CONSOLE_LOG_REDACT", "true") == "true"},
		Metrics:             registry,
		Events:              stream.NewHub(),
		RateLimitEnabled:    rateLimitEnabled,
		AuthLimitPerMinute:  envInt("AUTH_RATE_LIMIT_PER_MINUTE", 20),
		CodeLimitPerMinute:  envInt("CODE_RATE_LIMIT_PER_MINUTE", 5),
		CodeCooldown:        envDurationSec("VERIFY_CODE_COOLDOWN_SEC", 60),
		CodeTTL:             envDurationSec("VERIFY_CODE_TTL_SEC", 600),
		ExportRowCap:        envInt("EXPORT_ROW_CAP", 10000),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		SecureCookies:       env("SECURE_COOKIES", "true") == "true",
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("server"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "server"})
	})

	api := chi.NewRouter()
	api.Use(auth.Middleware(tokens))
	api.Post("/register", s.handleRegister)
	api.Post("/login", s.handleLogin)
	api.Post("/logout", s.handleLogout)
	api.Get("/me", auth.RequireUser(s.handleMe))
	api.Post("/verify/send", auth.RequireUser(s.handleSendCode))
	api.Post("/verify/confirm", auth.RequireUser(s.handleConfirmCode))
	api.Get("/listing", s.handleListing)
	api.Get("/listing/export", auth.RequireUser(s.handleListingExport))
	api.Get("/listing/{id}", s.handleListingDetail)
	api.Post("/payment/create", auth.RequireUser(s.handleCreatePayment))
	api.Post("/payment/webhook", s.handlePaymentWebhook)
	api.Get("/transactions", auth.RequireUser(s.handleTransactions))
	api.Get("/news", s.handleListNews)
	api.Post("/news", s.requireAdmin(s.handleCreateNews))
	api.Delete("/news/{id}", s.requireAdmin(s.handleDeleteNews))
	api.Get("/ideas", auth.RequireUser(s.handleListIdeas))
	api.Post("/ideas", auth.RequireUser(s.handleCreateIdea))
	api.Patch("/ideas/{id}", s.requireAdmin(s.handleUpdateIdea))
	api.Get("/admin/users", s.requireAdmin(s.handleAdminUsers))
	api.Post("/admin/users/{id}/toggle-admin", s.requireAdmin(s.handleToggleAdmin))
	api.Post("/admin/console", s.requireAdmin(s.handleConsole))
	api.Get("/admin/console/log", s.requireAdmin(s.handleConsoleLog))
	api.Get("/admin/stream", s.requireAdmin(s.streamEvents))
	api.Get("/admin/metrics", s.requireAdmin(s.Metrics.Handler()))
	api.Get("/admin/metrics/prometheus", s.requireAdmin(s.Metrics.PrometheusHandler()))
	r.Mount("/api", api)

	addr := env("ADDR", ":8080")
	log.Printf("server listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
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

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Server) verificationCode() string {
	if s.newCode != nil {
		return s.newCode()
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// requireAdmin layers a fresh is_admin read over the token claim, the same
// way listing tiers re-read the account row. A demotion takes effect on the
// next request, not at token expiry.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return auth.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFromContext(r.Context())
		u, err := s.loadUserByID(r.Context(), principal.UserID)
		if err != nil || !u.IsAdmin {
			httpx.Error(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	})
}

// allowRate applies a fixed-window per-client limit to abuse-prone
// endpoints. A disabled limiter always allows.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, bucket string, limit int) bool {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return true
	}
	decision := s.RateLimiter.Allow(bucket+":"+clientIP(r), limit)
	if decision.Allowed {
		return true
	}
	retry := int(time.Until(decision.ResetAt).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
