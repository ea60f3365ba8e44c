// Package datacopy moves table data between two SQLite databases that hold
// different generations of the same schema.
//
// The copy is by column-name intersection: for every table present in both
// databases, the columns common to both (case-insensitive) are carried over
// with a single REPLACE INTO ... SELECT per table, executed against the
// target with the source file ATTACHed as an auxiliary schema. The target's
// triggers are dropped for the duration of the copy and recreated from their
// own captured definitions afterwards, so application-level trigger logic
// never fires against a half-populated database. The whole drop/copy/recreate
// sequence runs in one transaction; on any failure the target rolls back to
// its pristine pre-copy state.
package datacopy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hurttlocker/evolve/internal/catalog"
)

// Copier copies all representable data from source into target.
type Copier struct {
	source  *sql.DB
	target  *sql.DB
	srcPath string
	log     logrus.FieldLogger
}

// New creates a Copier. The target must already hold the desired schema and
// no data; sourcePath is the on-disk location of the source database, which
// is ATTACHed to the target connection for the duration of the copy.
func New(source, target *sql.DB, sourcePath string, log logrus.FieldLogger) *Copier {
	return &Copier{source: source, target: target, srcPath: sourcePath, log: log}
}

// tableCopy is one prepared bulk-copy statement.
type tableCopy struct {
	table string
	stmt  string
}

// Run performs the copy. On error the target is left exactly as it was:
// empty, correct schema, all triggers present.
func (c *Copier) Run(ctx context.Context) error {
	// The triggers to suppress and restore are the target's own: the schema
	// callback just built them, so restoring these exact definitions keeps the
	// migrated catalog identical to the required one. Source triggers on
	// tables the new schema dropped must not come back.
	triggers, err := catalog.Triggers(ctx, c.target)
	if err != nil {
		return fmt.Errorf("capturing target triggers: %w", err)
	}

	copies, err := c.planCopies(ctx)
	if err != nil {
		return err
	}

	// Pin a single connection: ATTACH is connection-scoped, so the attach,
	// the transaction, and the detach must all land on the same one.
	conn, err := c.target.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring target connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS source", c.srcPath); err != nil {
		return fmt.Errorf("attaching source database %s: %w", c.srcPath, err)
	}
	// Detach is unconditional cleanup and must survive a rollback, which the
	// deferred tx.Rollback below performs first (defers run LIFO).
	defer func() {
		if _, derr := conn.ExecContext(ctx, "DETACH DATABASE source"); derr != nil {
			c.log.WithError(derr).Warn("detaching source database failed")
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning copy transaction: %w", err)
	}
	defer tx.Rollback()

	// Copy order follows table names, not dependency order; defer FK checks
	// to commit so a child table copied before its parent cannot fail.
	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("deferring foreign keys: %w", err)
	}

	// Qualified with main. so name resolution can never reach into the
	// attached source schema; the source file stays strictly read-only.
	for _, t := range triggers {
		if _, err := tx.ExecContext(ctx, "DROP TRIGGER IF EXISTS main."+quoteIdent(t.Name)); err != nil {
			return fmt.Errorf("dropping trigger %q: %w", t.Name, err)
		}
	}

	for _, cp := range copies {
		res, err := tx.ExecContext(ctx, cp.stmt)
		if err != nil {
			return fmt.Errorf("copying table %q: %w", cp.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			c.log.WithFields(logrus.Fields{"table": cp.table, "rows": n}).Debug("copied table")
		}
	}

	for _, t := range triggers {
		if t.SQL == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, t.SQL); err != nil {
			return fmt.Errorf("recreating trigger %q: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing copy transaction: %w", err)
	}
	return nil
}

// planCopies builds one REPLACE INTO ... SELECT statement per table present
// in both databases, restricted to the columns both sides share.
func (c *Copier) planCopies(ctx context.Context) ([]tableCopy, error) {
	srcTables, err := catalog.Tables(ctx, c.source)
	if err != nil {
		return nil, fmt.Errorf("listing source tables: %w", err)
	}
	tgtTables, err := catalog.Tables(ctx, c.target)
	if err != nil {
		return nil, fmt.Errorf("listing target tables: %w", err)
	}

	// Table and column matching is case-insensitive, same as SQLite's own
	// identifier resolution.
	tgtByLower := make(map[string]string, len(tgtTables))
	for _, name := range tgtTables {
		tgtByLower[strings.ToLower(name)] = name
	}

	var copies []tableCopy
	for _, srcTable := range srcTables {
		tgtTable, ok := tgtByLower[strings.ToLower(srcTable)]
		if !ok {
			c.log.WithField("table", srcTable).Debug("table absent from new schema, dropping its data")
			continue
		}

		srcCols, err := catalog.Columns(ctx, c.source, srcTable)
		if err != nil {
			return nil, err
		}
		tgtCols, err := catalog.Columns(ctx, c.target, tgtTable)
		if err != nil {
			return nil, err
		}

		srcSet := make(map[string]bool, len(srcCols))
		for _, col := range srcCols {
			srcSet[strings.ToLower(col)] = true
		}
		var common []string
		for _, col := range tgtCols {
			if srcSet[strings.ToLower(col)] {
				common = append(common, quoteIdent(col))
			}
		}
		if len(common) == 0 {
			c.log.WithFields(logrus.Fields{
				"table":          srcTable,
				"source_columns": strings.Join(srcCols, ","),
				"target_columns": strings.Join(tgtCols, ","),
			}).Warn("no common columns, table data cannot be carried over")
			continue
		}

		cols := strings.Join(common, ", ")
		copies = append(copies, tableCopy{
			table: srcTable,
			stmt: fmt.Sprintf("REPLACE INTO %s (%s) SELECT %s FROM source.%s",
				quoteIdent(tgtTable), cols, cols, quoteIdent(srcTable)),
		})
	}
	return copies, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
