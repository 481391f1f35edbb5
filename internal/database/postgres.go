package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertDeadLetterQuery = "INSERT INTO dead_letters (message_id, subject, payload, headers, error, failed_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at"
	listDeadLettersQuery = "SELECT id, COALESCE(message_id, ''), subject, payload, headers, error, failed_at, created_at " +
		"FROM dead_letters ORDER BY failed_at DESC LIMIT $1"

	maxListLimit = 500
)

type PgDeadLetterRepository struct {
	conn *sql.DB
}

func NewPgDeadLetterRepository(dsn string) (*PgDeadLetterRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgDeadLetterRepository{conn: db}, nil
}

// Migrate applies the embedded schema migrations.
func (db *PgDeadLetterRepository) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

func (db *PgDeadLetterRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgDeadLetterRepository) SaveDeadLetter(ctx context.Context, dl DeadLetter) (DeadLetter, error) {
	headers, err := json.Marshal(dl.Headers)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("marshal headers: %w", err)
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	var messageId sql.NullString
	if dl.MessageId != "" {
		messageId = sql.NullString{String: dl.MessageId, Valid: true}
	}

	err = db.conn.QueryRowContext(ctx, insertDeadLetterQuery,
		messageId,
		dl.Subject,
		dl.Payload,
		headers,
		dl.Error,
		dl.FailedAt,
	).Scan(&dl.Id, &dl.CreatedAt)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}

	return dl, nil
}

func (db *PgDeadLetterRepository) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := db.conn.QueryContext(ctx, listDeadLettersQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			headers []byte
		)
		if err := rows.Scan(
			&dl.Id,
			&dl.MessageId,
			&dl.Subject,
			&dl.Payload,
			&headers,
			&dl.Error,
			&dl.FailedAt,
			&dl.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(headers, &dl.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
		dls = append(dls, dl)
	}

	return dls, rows.Err()
}

func (db *PgDeadLetterRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
