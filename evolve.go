// Package evolve opens an embedded SQLite database file and keeps its schema
// in sync with what the application expects, migrating data in place when the
// two disagree.
//
// The caller supplies a schema-build callback that creates the complete
// desired schema (tables, indexes, triggers, views) on an empty database.
// Open measures that schema against a transient in-memory database, compares
// it byte-for-byte with the canonical catalog text of the file on disk, and
// if they differ builds a replacement database next to the original, carries
// the data over by column-name intersection, and promotes the replacement
// with a crash-recoverable two-step swap. A marker file at path + ".$upg"
// represents the in-flight replacement; a marker left behind by a crash is
// reconciled automatically on the next Open.
//
// The database is exclusively owned for the duration of Open. Concurrent
// access by other processes during initialization is the caller's problem to
// prevent.
package evolve

import (
	"context"
	"database/sql"
	"io"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// SchemaFn creates the application's complete desired schema on an empty
// database. It must be deterministic and must not seed data: any rows it
// inserts would survive into every freshly migrated database and its DDL
// effect on the catalog is the sole thing compared.
type SchemaFn func(ctx context.Context, db *sql.DB) error

// Script turns a DDL script into a SchemaFn. The driver executes the
// statements in order; the first failure aborts the build.
func Script(ddl string) SchemaFn {
	return func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, ddl)
		return err
	}
}

// Option configures Open.
type Option func(*options)

type options struct {
	log logrus.FieldLogger
}

// WithLogger routes the engine's operational events (open, marker recovery,
// schema-change detection, migration, file replacement, failures) to log.
// Without it events are discarded; behavior is otherwise identical.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.log = l
	}
	return o
}
