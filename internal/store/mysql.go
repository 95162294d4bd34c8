package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/CosmoTheDev/fleethub/internal/config"
)

// MySQLDB implements DB using MySQL via go-sql-driver/mysql.
type MySQLDB struct {
	sqlDB
}

// NewMySQL opens a MySQL connection using cfg.DSN.
func NewMySQL(cfg config.DatabaseConfig) (*MySQLDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required when driver is mysql")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	m := &MySQLDB{sqlDB{db: db, dialect: "mysql"}}
	if err := m.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return m, nil
}

func (m *MySQLDB) Migrate(ctx context.Context) error {
	return m.migrate(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id         INT          NOT NULL AUTO_INCREMENT PRIMARY KEY,
		filename   VARCHAR(255) NOT NULL UNIQUE,
		applied_at VARCHAR(64)  NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`)
}

// Upsert uses INSERT ... ON DUPLICATE KEY UPDATE.
func (m *MySQLDB) Upsert(ctx context.Context, table string, record any, conflictCols []string) error {
	cols, vals := columns(record)
	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if !slices.Contains(conflictCols, c) {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
	}
	// Table and column names come from struct tags in this package; values are bound.
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(updates, ", "),
	)
	_, err := m.db.ExecContext(ctx, query, vals...)
	return err
}
