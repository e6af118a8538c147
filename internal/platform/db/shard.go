package db

import (
	"context"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ShardKey  contextKey = "shard_key"
	DBConnKey contextKey = "db_conn"
)

var shardPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ShardMiddleware reads the request shard from the JWT claim, the shard
// header or the _shard query parameter, in that order. No shard means the
// request is unsharded.
func ShardMiddleware(header string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			shard := extractShard(c, header)
			if shard == "" {
				return next(c)
			}
			if !shardPattern.MatchString(shard) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid shard key")
			}
			ctx := WithShard(c.Request().Context(), shard)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("shard_key", shard)
			return next(c)
		}
	}
}

func extractShard(c echo.Context, header string) string {
	// 1. JWT claim (set by auth middleware)
	if s, ok := c.Get("jwt_shard_key").(string); ok && s != "" {
		return s
	}
	if s := c.Request().Header.Get(header); s != "" {
		return s
	}
	return c.QueryParam("_shard")
}

// ConnMiddleware pins one pooled connection to the request so every read
// of the request sees the same session.
func ConnMiddleware(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// ConnFromContext retrieves the request-scoped database connection.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func WithShard(ctx context.Context, shard string) context.Context {
	return context.WithValue(ctx, ShardKey, shard)
}

// ShardFromContext returns the request shard, or "" when unsharded.
func ShardFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ShardKey).(string)
	return s
}
