package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/timecapsule/pkg/models"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const messageColumns = `id, key_address, media_address, digest, unlock_at, sender, recipient,
	created_at, mime_type, name, size, key_mode, anchor_reference`

// PostgresBackend is a LedgerBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// Ping checks connectivity for health reporting.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBackend) InsertMessage(ctx context.Context, d *models.MessageDescriptor) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.KeyAddress, d.MediaAddress, d.Digest, d.UnlockAt, d.Sender, d.Recipient,
		d.CreatedAt, d.MimeType, d.Name, d.Size, d.KeyMode, d.AnchorReference,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetMessage(ctx context.Context, id string) (*models.MessageDescriptor, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id,
	)
	return scanMessage(row)
}

func (p *PostgresBackend) ListMessages(ctx context.Context, f MessageFilter) ([]*models.MessageDescriptor, error) {
	var (
		where []string
		args  []any
	)
	if f.Sender != "" {
		args = append(args, f.Sender)
		where = append(where, fmt.Sprintf("sender = $%d", len(args)))
	}
	if f.Recipient != "" {
		args = append(args, f.Recipient)
		where = append(where, fmt.Sprintf("recipient = $%d", len(args)))
	}
	q := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MessageDescriptor
	for rows.Next() {
		d, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func scanMessage(row pgx.Row) (*models.MessageDescriptor, error) {
	var d models.MessageDescriptor
	err := row.Scan(&d.ID, &d.KeyAddress, &d.MediaAddress, &d.Digest, &d.UnlockAt, &d.Sender,
		&d.Recipient, &d.CreatedAt, &d.MimeType, &d.Name, &d.Size, &d.KeyMode, &d.AnchorReference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.UnlockAt = d.UnlockAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}
