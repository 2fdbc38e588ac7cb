package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

// ValidTenant reports whether id can be used as a tenant identifier.
func ValidTenant(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaFor returns the Postgres schema holding a tenant's records.
func SchemaFor(tenantID string) string {
	return "tenant_" + tenantID
}

// TenantMiddleware resolves the tenant, pins a pooled connection to the
// tenant schema and stores both on the request context. Repositories, the
// status history and the Postgres sequence counter pick the connection up via
// ConnFromContext.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidTenant(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(tenantID))); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			// The connection goes back to the pool; do not leak the tenant path.
			defer conn.Exec(context.Background(), "RESET search_path") //nolint:errcheck

			ctx = context.WithValue(WithTenant(ctx, tenantID), DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// 1. JWT claim (set by auth middleware)
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	// 2. X-Tenant-ID header
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	return defaultTenant
}

// WithTenant stores the tenant id on ctx. Display-number sequences and
// published events are scoped by it.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// EnsureTenantSchema creates the tenant schema if needed and applies pending
// migrations from migrationsDir. It returns the number of migrations applied.
func EnsureTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID, migrationsDir string) (int, error) {
	if !ValidTenant(tenantID) {
		return 0, fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	schema := SchemaFor(tenantID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}
	n, err := NewMigrator(pool, migrationsDir).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}
