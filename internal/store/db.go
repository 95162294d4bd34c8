package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// DB is the small SQL surface the store needs. Implementations exist for
// SQLite (default) and MySQL.
type DB interface {
	// Select executes a query and scans rows into dest (slice pointer).
	Select(ctx context.Context, dest any, query string, args ...any) error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) error

	// Upsert inserts record or updates the row matching conflictCols.
	Upsert(ctx context.Context, table string, record any, conflictCols []string) error

	// Migrate applies pending schema migrations in order.
	Migrate(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error

	// Driver returns the backend name: "sqlite" or "mysql".
	Driver() string
}

// Open returns a DB implementation matching cfg.Driver.
// SQLite is the default when driver is empty.
func Open(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Driver {
	case "mysql":
		return NewMySQL(cfg)
	case "sqlite", "sqlite3", "":
		return NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql)", cfg.Driver)
	}
}

// sqlDB holds what both backends share. Dialect-specific DDL lives under
// migrations/<dialect>.
type sqlDB struct {
	db      *sql.DB
	dialect string
}

func (s *sqlDB) Driver() string { return s.dialect }

func (s *sqlDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) Close() error { return s.db.Close() }

func (s *sqlDB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqlDB) Select(ctx context.Context, dest any, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

// migrate applies every migrations/<dialect>/*.sql file not yet recorded in
// schema_migrations. trackerDDL creates that table in the dialect's syntax.
func (s *sqlDB) migrate(ctx context.Context, trackerDDL string) error {
	if _, err := s.db.ExecContext(ctx, trackerDDL); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	dir := "migrations/" + s.dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, dir+"/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(data), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("applying migration %s: %w\nSQL: %s", name, err, stmt)
			}
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		slog.Info("store: applied migration", "file", name, "driver", s.dialect)
	}
	return nil
}

// columns extracts column names and values from a struct's `db:` tags.
func columns(record any) (cols []string, vals []any) {
	v := reflect.Indirect(reflect.ValueOf(record))
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		cols = append(cols, tag)
		vals = append(vals, v.Field(i).Interface())
	}
	return cols, vals
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// scanRows scans rows into a slice of structs, matching columns to `db:`
// tags. Unknown columns are discarded.
func scanRows(rows *sql.Rows, dest any) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("select: dest must be a pointer to a slice")
	}
	slice := dv.Elem()
	elemType := slice.Type().Elem()

	for rows.Next() {
		elem := reflect.New(elemType).Elem()
		byTag := make(map[string]any, elemType.NumField())
		for i := 0; i < elemType.NumField(); i++ {
			if tag := elemType.Field(i).Tag.Get("db"); tag != "" && tag != "-" {
				byTag[tag] = elem.Field(i).Addr().Interface()
			}
		}
		ptrs := make([]any, len(cols))
		for i, c := range cols {
			if p, ok := byTag[c]; ok {
				ptrs[i] = p
			} else {
				var discard any
				ptrs[i] = &discard
			}
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		slice.Set(reflect.Append(slice, elem))
	}
	return rows.Err()
}
