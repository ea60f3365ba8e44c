// Package catalog reads schema metadata out of a SQLite database.
//
// Its central product is a canonical textual rendering of sqlite_master:
// every user-visible schema object (table, index, trigger, view) ordered by
// (type, owning table, name) and printed as a comment header followed by the
// object's defining SQL. Identical schemas always render to byte-identical
// text regardless of physical creation order, which makes plain string
// comparison a reliable "has the schema changed" test. The text is never
// parsed back.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// NoDefinition is printed in place of the defining SQL for catalog rows that
// have none (internal indexes created implicitly by UNIQUE constraints, etc).
const NoDefinition = "(no definition)"

// Querier is the read-only slice of *sql.DB / *sql.Conn / *sql.Tx we need.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Object is one sqlite_master row.
type Object struct {
	Kind  string // "table", "index", "trigger", "view"
	Table string // owning table (tbl_name; equals Name for tables)
	Name  string
	SQL   string // defining statement; empty when the catalog stores none
}

// Trigger is a named trigger with its full CREATE TRIGGER statement.
type Trigger struct {
	Name string
	SQL  string
}

// Objects returns all user schema objects ordered by (kind, table, name).
// Internal sqlite_* objects are excluded: they materialize lazily (for
// example sqlite_sequence appears on the first AUTOINCREMENT insert), so
// including them would make a data-bearing database compare unequal to a
// freshly built copy of the very same schema.
func Objects(ctx context.Context, q Querier) ([]Object, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type, tbl_name, name, sql
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%'
		ORDER BY type, tbl_name, name`)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite_master: %w", err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		var o Object
		var def sql.NullString
		if err := rows.Scan(&o.Kind, &o.Table, &o.Name, &def); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		o.SQL = def.String
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading catalog rows: %w", err)
	}
	return objects, nil
}

// ReadSchema renders the catalog as canonical schema text.
func ReadSchema(ctx context.Context, q Querier) (string, error) {
	objects, err := Objects(ctx, q)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, o := range objects {
		fmt.Fprintf(&b, "-- type: %s  table: %s  name: %s\n", o.Kind, o.Table, o.Name)
		if o.SQL == "" {
			b.WriteString(NoDefinition)
		} else {
			b.WriteString(o.SQL)
		}
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// Tables lists user table names in catalog order.
func Tables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading table names: %w", err)
	}
	return names, nil
}

// Columns lists the column names of a table in declaration order.
func Columns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %q: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning column of %q: %w", table, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns of %q: %w", table, err)
	}
	return names, nil
}

// Triggers lists all triggers with their defining statements.
func Triggers(ctx context.Context, q Querier) ([]Trigger, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, sql FROM sqlite_master
		WHERE type = 'trigger'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		var t Trigger
		var def sql.NullString
		if err := rows.Scan(&t.Name, &def); err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		t.SQL = def.String
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading triggers: %w", err)
	}
	return triggers, nil
}
