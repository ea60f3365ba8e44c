package evolve

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hurttlocker/evolve/internal/catalog"
	"github.com/hurttlocker/evolve/internal/datacopy"
)

// markerSuffix names the sibling file holding an in-flight replacement
// database. Its existence at startup means a previous migration never
// completed its final delete-and-rename.
const markerSuffix = ".$upg"

// MarkerPath returns the upgrade-marker path for a database path.
func MarkerPath(path string) string {
	return path + markerSuffix
}

// Open opens the SQLite database at path, migrating it first if its schema
// differs from the one build produces. On success the returned handle is
// bound to path and holds the desired schema with all pre-existing data the
// new schema can represent. On failure the file at path is untouched.
func Open(ctx context.Context, path string, build SchemaFn, opts ...Option) (*sql.DB, error) {
	o := buildOptions(opts)
	log := o.log.WithField("db", path)

	if build == nil {
		return nil, fmt.Errorf("opening %s: nil schema-build callback", path)
	}

	if err := recoverMarker(log, path); err != nil {
		log.WithError(err).Error("upgrade marker recovery failed")
		return nil, fmt.Errorf("recovering upgrade marker for %s: %w", path, err)
	}

	log.Info("opening database")
	db, err := openFile(ctx, path)
	if err != nil {
		log.WithError(err).Error("opening database failed")
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	required, err := RequiredSchema(ctx, build)
	if err != nil {
		db.Close()
		log.WithError(err).Error("measuring required schema failed")
		return nil, fmt.Errorf("measuring required schema: %w", err)
	}
	current, err := catalog.ReadSchema(ctx, db)
	if err != nil {
		db.Close()
		log.WithError(err).Error("reading current schema failed")
		return nil, fmt.Errorf("reading schema of %s: %w", path, err)
	}

	if current == required {
		log.Debug("schema up to date")
		return db, nil
	}

	log.Info("schema change detected, migrating database")
	migrated, err := migrate(ctx, log, path, build, db)
	if err != nil {
		db.Close()
		log.WithError(err).Error("migration failed")
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return migrated, nil
}

// recoverMarker reconciles a marker file left behind by a crashed run.
// Marker and canonical both present: the crash happened mid-copy, the marker
// is incomplete debris. Marker alone: the crash happened between deleting
// the canonical file and renaming the marker into place, so the marker is
// the finished replacement and becomes canonical.
func recoverMarker(log logrus.FieldLogger, path string) error {
	marker := MarkerPath(path)
	if _, err := os.Stat(marker); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking %s: %w", marker, err)
	}

	if _, err := os.Stat(path); err == nil {
		log.Warn("discarding stale upgrade marker from interrupted migration")
		return removeDatabase(marker)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	log.Warn("promoting upgrade marker left by interrupted migration")
	removeSiblings(path)
	// The marker was cleanly closed before the swap began, so its -wal/-shm
	// siblings hold nothing; left behind they would be orphaned by the rename.
	removeSiblings(marker)
	if err := os.Rename(marker, path); err != nil {
		return fmt.Errorf("promoting %s: %w", marker, err)
	}
	return nil
}

// migrate builds the replacement database at the marker path, copies the
// data over, and swaps it into place. Any failure before the swap leaves the
// canonical file and its data untouched; a crash during the swap is repaired
// by recoverMarker on the next Open.
func migrate(ctx context.Context, log logrus.FieldLogger, path string, build SchemaFn, live *sql.DB) (*sql.DB, error) {
	marker := MarkerPath(path)

	if err := removeDatabase(marker); err != nil {
		return nil, err
	}
	target, err := openFile(ctx, marker)
	if err != nil {
		return nil, fmt.Errorf("creating replacement database: %w", err)
	}

	fail := func(err error) (*sql.DB, error) {
		target.Close()
		if rmErr := removeDatabase(marker); rmErr != nil {
			log.WithError(rmErr).Warn("removing abandoned replacement database failed")
		}
		return nil, err
	}

	if err := build(ctx, target); err != nil {
		return fail(fmt.Errorf("building replacement schema: %w", err))
	}

	log.Info("copying data into replacement database")
	if err := datacopy.New(live, target, path, log).Run(ctx); err != nil {
		return fail(err)
	}

	if err := target.Close(); err != nil {
		return fail(fmt.Errorf("closing replacement database: %w", err))
	}

	// Swap. From here the marker is complete; if anything below fails or the
	// process dies, recoverMarker finishes (or safely retries) the job.
	if err := live.Close(); err != nil {
		return nil, fmt.Errorf("closing live database: %w", err)
	}
	if err := removeDatabase(path); err != nil {
		return nil, err
	}
	if err := os.Rename(marker, path); err != nil {
		return nil, fmt.Errorf("promoting replacement database: %w", err)
	}
	log.Info("database file replaced")

	db, err := openFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reopening migrated database: %w", err)
	}
	return db, nil
}

// openFile opens a file-backed database and applies the engine's pragmas.
func openFile(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// removeDatabase deletes a database file together with its -wal and -shm
// siblings. A replacement renamed onto the path must never inherit a stale
// write-ahead log from the file that used to live there.
func removeDatabase(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	removeSiblings(path)
	return nil
}

func removeSiblings(path string) {
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}
