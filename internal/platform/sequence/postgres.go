package sequence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicalrecord/internal/platform/db"
)

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGCounter backs sequences with the display_sequence table. The upsert
// takes a row lock, so concurrent callers never receive the same value.
type PGCounter struct{ pool *pgxpool.Pool }

func NewPGCounter(pool *pgxpool.Pool) *PGCounter {
	return &PGCounter{pool: pool}
}

func (c *PGCounter) conn(ctx context.Context) queryRower {
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return c.pool
}

func (c *PGCounter) Next(ctx context.Context, scope, prefix string, year int) (int64, error) {
	var n int64
	err := c.conn(ctx).QueryRow(ctx, `
		INSERT INTO display_sequence (scope, prefix, year, value)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (scope, prefix, year)
		DO UPDATE SET value = display_sequence.value + 1
		RETURNING value`, scope, prefix, year).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("advance display_sequence: %w", err)
	}
	return n, nil
}
