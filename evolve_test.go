package evolve

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

const schemaV1 = `
CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT);
CREATE INDEX idx_t_name ON t(name);
`

const schemaV2 = `
CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, note TEXT);
CREATE INDEX idx_t_name ON t(name);
`

// openV returns an opened database at path migrated to the given DDL.
func openV(t *testing.T, path, ddl string) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), path, Script(ddl))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "app.db")
}

func TestOpenCreatesDatabase(t *testing.T) {
	path := testPath(t)
	db := openV(t, path, schemaV1)

	if _, err := db.Exec(`INSERT INTO t (id, name) VALUES (1, 'a')`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if _, err := os.Stat(MarkerPath(path)); !os.IsNotExist(err) {
		t.Errorf("marker file left behind: %v", err)
	}
}

func TestOpenIdempotent(t *testing.T) {
	path := testPath(t)
	db := openV(t, path, schemaV1)
	db.Close()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	db2, err := Open(context.Background(), path, Script(schemaV1), WithLogger(logger))
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "schema change detected") {
			t.Error("second Open with identical schema triggered a migration")
		}
	}
}

func TestEndToEndMigration(t *testing.T) {
	path := testPath(t)
	db := openV(t, path, schemaV1)
	if _, err := db.Exec(`INSERT INTO t (id, name) VALUES (1, 'a')`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	db.Close()

	db2 := openV(t, path, schemaV2)
	var id int
	var name string
	var note sql.NullString
	if err := db2.QueryRow(`SELECT id, name, note FROM t`).Scan(&id, &name, &note); err != nil {
		t.Fatalf("querying migrated row: %v", err)
	}
	if id != 1 || name != "a" || note.Valid {
		t.Errorf("migrated row = (%d, %q, %v), want (1, a, NULL)", id, name, note)
	}
	if _, err := os.Stat(MarkerPath(path)); !os.IsNotExist(err) {
		t.Errorf("marker file left behind after migration: %v", err)
	}
}

func TestColumnIntersectionAndDefaults(t *testing.T) {
	path := testPath(t)
	db := openV(t, path, `CREATE TABLE m (a TEXT, b TEXT, c TEXT);`)
	if _, err := db.Exec(`INSERT INTO m VALUES ('av', 'bv', 'cv')`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	db.Close()

	db2 := openV(t, path, `CREATE TABLE m (b TEXT, c TEXT, d TEXT DEFAULT 'dv');`)
	var b, c, d string
	if err := db2.QueryRow(`SELECT b, c, d FROM m`).Scan(&b, &c, &d); err != nil {
		t.Fatalf("querying: %v", err)
	}
	if b != "bv" || c != "cv" || d != "dv" {
		t.Errorf("row = (%q, %q, %q), want (bv, cv, dv)", b, c, d)
	}

	// Column a must be gone entirely.
	var n int
	if err := db2.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('m') WHERE name = 'a'`).Scan(&n); err != nil {
		t.Fatalf("checking columns: %v", err)
	}
	if n != 0 {
		t.Error("dropped column a survived the migration")
	}
}

func TestTableRemovalAndAddition(t *testing.T) {
	path := testPath(t)
	db := openV(t, path, `CREATE TABLE old (id INTEGER);`)
	if _, err := db.Exec(`INSERT INTO old VALUES (1)`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	db.Close()

	db2 := openV(t, path, `CREATE TABLE fresh (id INTEGER);`)
	var name string
	err := db2.QueryRow(`SELECT name FROM sqlite_master WHERE name = 'old'`).Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("removed table still present: %v %v", name, err)
	}
	var n int
	if err := db2.QueryRow(`SELECT COUNT(*) FROM fresh`).Scan(&n); err != nil {
		t.Fatalf("querying fresh: %v", err)
	}
	if n != 0 {
		t.Errorf("new table starts with %d rows, want 0", n)
	}
}

func TestTriggerSurvival(t *testing.T) {
	withTrigger := `
CREATE TABLE t (id INTEGER PRIMARY KEY%s);
CREATE TABLE audit (t_id INTEGER);
CREATE TRIGGER trg_t AFTER INSERT ON t BEGIN
	INSERT INTO audit (t_id) VALUES (new.id);
END;`
	v1 := strings.ReplaceAll(withTrigger, "%s", "")
	v2 := strings.ReplaceAll(withTrigger, "%s", ", extra TEXT")

	path := testPath(t)
	db := openV(t, path, v1)
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	db.Close()

	db2 := openV(t, path, v2)

	// The copy itself must not have fired the trigger.
	var n int
	if err := db2.QueryRow(`SELECT COUNT(*) FROM audit`).Scan(&n); err != nil {
		t.Fatalf("counting audit: %v", err)
	}
	if n != 1 {
		t.Errorf("audit has %d rows after migration, want 1", n)
	}

	// Same trigger, same definition, still live.
	var def string
	if err := db2.QueryRow(`SELECT sql FROM sqlite_master WHERE type='trigger' AND name='trg_t'`).Scan(&def); err != nil {
		t.Fatalf("trigger missing after migration: %v", err)
	}
	if !strings.Contains(def, "INSERT INTO audit") {
		t.Errorf("trigger definition changed: %q", def)
	}
	if _, err := db2.Exec(`INSERT INTO t (id) VALUES (2)`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	if err := db2.QueryRow(`SELECT COUNT(*) FROM audit`).Scan(&n); err != nil {
		t.Fatalf("counting audit: %v", err)
	}
	if n != 2 {
		t.Errorf("audit has %d rows after live insert, want 2", n)
	}
}

func TestDroppedTableTakesItsTriggerAlong(t *testing.T) {
	path := testPath(t)
	db := openV(t, path, `
CREATE TABLE keep (id INTEGER);
CREATE TABLE old (id INTEGER);
CREATE TRIGGER trg_old AFTER INSERT ON old BEGIN
	UPDATE old SET id = id;
END;`)
	if _, err := db.Exec(`INSERT INTO keep VALUES (1)`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	db.Close()

	// Dropping a table that carries a trigger must not wedge the migration.
	db2 := openV(t, path, `CREATE TABLE keep (id INTEGER);`)
	var n int
	if err := db2.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name IN ('old', 'trg_old')`).Scan(&n); err != nil {
		t.Fatalf("querying catalog: %v", err)
	}
	if n != 0 {
		t.Errorf("%d catalog entries remain for the dropped table, want 0", n)
	}
	if err := db2.QueryRow(`SELECT COUNT(*) FROM keep`).Scan(&n); err != nil {
		t.Fatalf("querying keep: %v", err)
	}
	if n != 1 {
		t.Errorf("keep has %d rows, want 1", n)
	}
}

func TestTriggerRedefinitionConverges(t *testing.T) {
	base := `
CREATE TABLE t (id INTEGER PRIMARY KEY);
CREATE TABLE log (tag TEXT);
CREATE TRIGGER trg_t AFTER INSERT ON t BEGIN
	INSERT INTO log (tag) VALUES ('%s');
END;`
	v1 := strings.ReplaceAll(base, "%s", "v1")
	v2 := strings.ReplaceAll(base, "%s", "v2")

	path := testPath(t)
	db := openV(t, path, v1)
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	db.Close()

	// The new trigger body wins and takes effect for live writes.
	db2 := openV(t, path, v2)
	var def string
	if err := db2.QueryRow(`SELECT sql FROM sqlite_master WHERE type='trigger' AND name='trg_t'`).Scan(&def); err != nil {
		t.Fatalf("trigger missing after migration: %v", err)
	}
	if !strings.Contains(def, "'v2'") {
		t.Errorf("trigger definition reverted: %q", def)
	}
	if _, err := db2.Exec(`INSERT INTO t (id) VALUES (2)`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	var tags int
	if err := db2.QueryRow(`SELECT COUNT(*) FROM log WHERE tag = 'v2'`).Scan(&tags); err != nil {
		t.Fatalf("counting log: %v", err)
	}
	if tags != 1 {
		t.Errorf("live insert wrote %d v2 log rows, want 1", tags)
	}
	db2.Close()

	// The migrated catalog equals the required one, so the next open settles.
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	db3, err := Open(context.Background(), path, Script(v2), WithLogger(logger))
	if err != nil {
		t.Fatalf("third Open: %v", err)
	}
	defer db3.Close()
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "schema change detected") {
			t.Error("open after trigger redefinition migrated again")
		}
	}
}

func TestFailedMigrationLeavesOriginalUntouched(t *testing.T) {
	path := testPath(t)
	db := openV(t, path, `CREATE TABLE s (v INTEGER);`)
	if _, err := db.Exec(`INSERT INTO s VALUES (-5)`); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	db.Close()

	// The copy violates the new CHECK constraint and must fail.
	_, err := Open(context.Background(), path, Script(`CREATE TABLE s (v INTEGER CHECK (v > 0), w TEXT);`))
	if err == nil {
		t.Fatal("expected migration failure")
	}
	if !strings.Contains(err.Error(), "copying table") {
		t.Errorf("unexpected error: %v", err)
	}
	if _, statErr := os.Stat(MarkerPath(path)); !os.IsNotExist(statErr) {
		t.Errorf("marker left behind after failed migration: %v", statErr)
	}

	// Original schema and data intact.
	db2 := openV(t, path, `CREATE TABLE s (v INTEGER);`)
	var v int
	if err := db2.QueryRow(`SELECT v FROM s`).Scan(&v); err != nil {
		t.Fatalf("querying original: %v", err)
	}
	if v != -5 {
		t.Errorf("v = %d, want -5", v)
	}
}

func TestSchemaBuildFailurePropagates(t *testing.T) {
	path := testPath(t)
	_, err := Open(context.Background(), path, Script(`CREATE BOGUS`))
	if err == nil {
		t.Fatal("expected schema-build failure")
	}
	if !strings.Contains(err.Error(), "required schema") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNilBuildRejected(t *testing.T) {
	if _, err := Open(context.Background(), testPath(t), nil); err == nil {
		t.Fatal("expected error for nil schema-build callback")
	}
}
