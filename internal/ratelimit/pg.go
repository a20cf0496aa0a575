package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"appforge/internal/types"
)

// PostgresGate shares quota counters across gateway replicas. The
// check-and-increment is one conditional INSERT, so concurrent requests
// cannot both slip under the limit.
type PostgresGate struct {
	db     *sql.DB
	window time.Duration
	limits Limits
}

func NewPostgresGate(ctx context.Context, dsn string, window time.Duration, limits Limits) (*PostgresGate, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if limits == nil {
		limits = DefaultLimits
	}
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	g := &PostgresGate{db: db, window: window, limits: limits}
	if err := g.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

func (g *PostgresGate) ensureSchema(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS app_quota_hits (
    id      BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    hit_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS app_quota_hits_user_time ON app_quota_hits (user_id, hit_at)`)
	if err != nil {
		return fmt.Errorf("ratelimit: ensure schema: %w", err)
	}
	return nil
}

func (g *PostgresGate) CheckAndIncrement(ctx context.Context, userID string, tier types.Tier) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
INSERT INTO app_quota_hits (user_id)
SELECT $1
WHERE (
    SELECT COUNT(*) FROM app_quota_hits
    WHERE user_id = $1 AND hit_at > now() - make_interval(secs => $2)
) < $3`,
		userID, g.window.Seconds(), g.limits.For(tier))
	if err != nil {
		return false, fmt.Errorf("ratelimit: check-and-increment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (g *PostgresGate) Close() error { return g.db.Close() }
