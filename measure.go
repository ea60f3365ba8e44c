package evolve

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hurttlocker/evolve/internal/catalog"
)

// RequiredSchema applies build to a transient in-memory database and returns
// the canonical schema text it produces. Nothing durable is written; the
// transient database is released on every path, including build failure.
func RequiredSchema(ctx context.Context, build SchemaFn) (string, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return "", fmt.Errorf("opening transient database: %w", err)
	}
	defer db.Close()

	// One pooled connection only: every additional connection to ":memory:"
	// would be a separate empty database.
	db.SetMaxOpenConns(1)

	if err := build(ctx, db); err != nil {
		return "", fmt.Errorf("building required schema: %w", err)
	}

	text, err := catalog.ReadSchema(ctx, db)
	if err != nil {
		return "", fmt.Errorf("reading required schema: %w", err)
	}
	return text, nil
}
