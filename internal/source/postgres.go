package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register the "pgx" driver with database/sql
)

// ConnParams are the PG_* environment variables, assembled into a
// connection string by Dial.
type ConnParams struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// PostgresSource reads rows from a work_source table ordered by id
// ascending.
type PostgresSource struct {
	db *sql.DB
}

// Dial opens a pgx-backed connection pool against params.
func Dial(ctx context.Context, params ConnParams) (*PostgresSource, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		params.Host, params.Port, params.User, params.Password, params.Database)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("source: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("source: ping: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

// row mirrors one record of work_source: an id plus an arbitrary JSONB
// payload column, preserved verbatim.
type row struct {
	ID      int64
	Payload json.RawMessage
}

// Fetch implements Source. It assumes a stable id-ascending order; callers
// must pass a monotonically increasing offset to page through the table.
func (s *PostgresSource) Fetch(ctx context.Context, limit, offset int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM work_source ORDER BY id ASC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("source: fetch: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.Payload); err != nil {
			return nil, fmt.Errorf("source: scan: %w", err)
		}
		out = append(out, Row{ID: r.ID, Payload: string(r.Payload)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: rows: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresSource) Close() error {
	return s.db.Close()
}
