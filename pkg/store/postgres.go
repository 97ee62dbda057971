package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresWait         = waitOrDone
)

// PostgresOptions controls how the event/audit pool is dialed and sized.
type PostgresOptions struct {
	DSN             string
	AppName         string
	RequireTLS      bool
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectAttempts int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	PingTimeout     time.Duration
}

// PostgresOptionsFromEnv reads DATABASE_* variables. appName tags the
// connections in pg_stat_activity so gateway and migrator sessions can be
// told apart.
func PostgresOptionsFromEnv(appName string) PostgresOptions {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_APP_NAME")); v != "" {
		appName = v
	}
	return PostgresOptions{
		DSN:             dsn,
		AppName:         appName,
		RequireTLS:      requiresSecureTransport("DATABASE_REQUIRE_TLS"),
		MaxConns:        int32(envIntDefault("DATABASE_MAX_CONNS", 10)),
		MinConns:        int32(envIntDefault("DATABASE_MIN_CONNS", 1)),
		MaxConnLifetime: time.Duration(envIntDefault("DATABASE_MAX_CONN_LIFETIME_SEC", 1800)) * time.Second,
		MaxConnIdleTime: time.Duration(envIntDefault("DATABASE_MAX_CONN_IDLE_SEC", 300)) * time.Second,
		ConnectAttempts: envIntDefault("DATABASE_CONNECT_ATTEMPTS", 30),
		RetryDelay:      500 * time.Millisecond,
		MaxRetryDelay:   5 * time.Second,
		PingTimeout:     2 * time.Second,
	}
}

func (o PostgresOptions) poolConfig() (*pgxpool.Config, error) {
	if o.RequireTLS {
		if err := validatePostgresTLS(o.DSN); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(o.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if o.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = o.AppName
	}
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	if o.MinConns >= 0 && o.MinConns <= cfg.MaxConns {
		cfg.MinConns = o.MinConns
	}
	if o.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = o.MaxConnLifetime
	}
	if o.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = o.MaxConnIdleTime
	}
	return cfg, nil
}

// NewPostgresPool dials until the database answers a ping, doubling the
// delay between attempts up to MaxRetryDelay. A cancelled ctx stops the loop.
func NewPostgresPool(ctx context.Context, o PostgresOptions) (*pgxpool.Pool, error) {
	cfg, err := o.poolConfig()
	if err != nil {
		return nil, err
	}
	attempts := o.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := o.RetryDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := postgresWait(ctx, delay); err != nil {
				return nil, fmt.Errorf("db connect cancelled after %d attempts: %w (last: %v)", i, err, lastErr)
			}
			if delay *= 2; o.MaxRetryDelay > 0 && delay > o.MaxRetryDelay {
				delay = o.MaxRetryDelay
			}
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		if lastErr = ping(ctx, pool, o.PingTimeout); lastErr == nil {
			return pool, nil
		}
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted after %d attempts: %w", attempts, lastErr)
}

func ping(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	if timeout <= 0 {
		return pool.Ping(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

func waitOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// defaultPostgresURL assembles a DSN from the split DATABASE_* variables
// used by the compose file when DATABASE_URL is unset.
func defaultPostgresURL() string {
	port := envOrDefault("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   envOrDefault("DATABASE_HOST", "localhost") + ":" + port,
		Path:   "/" + envOrDefault("DATABASE_NAME", "pdks"),
		User:   url.User(envOrDefault("DATABASE_USER", "pdks")),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(uri.User.Username(), password)
	}
	q := uri.Query()
	q.Set("sslmode", envOrDefault("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func envOrDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
