package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/qrseal/qrseal-go/internal/model"
	"github.com/qrseal/qrseal-go/internal/storage/migrations"
)

// postgres implements Store on a single bindings table. The full record is
// kept as JSONB next to the columns used for filtering and ordering.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a PostgreSQL store and applies pending migrations.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &postgres{db: pool}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (p *postgres) Close() error {
	p.db.Close()
	return nil
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insert(ctx context.Context, db execer, rec model.BindingRecord, prereg bool, upsert bool) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	query := `INSERT INTO bindings (document_id, pre_registered, status, fingerprint_hash, created_at, expires_at, record)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if upsert {
		query += ` ON CONFLICT (document_id, pre_registered) DO UPDATE SET
		          status = EXCLUDED.status,
		          fingerprint_hash = EXCLUDED.fingerprint_hash,
		          created_at = EXCLUDED.created_at,
		          expires_at = EXCLUDED.expires_at,
		          record = EXCLUDED.record`
	}
	_, err = db.Exec(ctx, query,
		rec.DocumentID,
		prereg,
		string(rec.Status),
		rec.FingerprintHash,
		rec.CreatedAt,
		rec.ExpiresAt,
		body)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func (p *postgres) Save(ctx context.Context, rec model.BindingRecord) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if err := insert(ctx, tx, rec, false, true); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM bindings WHERE document_id = $1 AND pre_registered`, rec.DocumentID)
		if err != nil {
			return fmt.Errorf("failed to remove pre-registration: %w", err)
		}
		return nil
	})
}

func (p *postgres) SavePreRegistration(ctx context.Context, rec model.BindingRecord) error {
	return insert(ctx, p.db, rec, true, false)
}

func scanRecord(row pgx.Row) (*model.BindingRecord, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return nil, err
	}
	var rec model.BindingRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// Get prefers the active record, then the pre-registration, then a record
// whose fingerprint names id.
func (p *postgres) Get(ctx context.Context, id string) (*model.BindingRecord, error) {
	query := `SELECT record FROM bindings
	          WHERE document_id = $1
	             OR record -> 'document_fingerprint' ->> 'document_id' = $1
	             OR record -> 'document_fingerprint' ->> 'fingerprint_id' = $1
	          ORDER BY (document_id = $1) DESC, pre_registered ASC
	          LIMIT 1`
	rec, err := scanRecord(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (p *postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM bindings WHERE document_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List lists records newest first with cursor-based pagination.
func (p *postgres) List(ctx context.Context, q model.ListBindingsQuery) (*model.ListBindingsResult, error) {
	baseQuery := `SELECT record FROM bindings WHERE TRUE`
	args := []interface{}{}
	argIndex := 1

	if q.Status != "" {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(q.Status))
		argIndex++
	}

	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		baseQuery += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND document_id > $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, c.CreatedAt, c.DocumentID)
		argIndex += 2
	}

	limit := q.NormalizedLimit()
	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC, document_id ASC, pre_registered ASC LIMIT $%d", argIndex)
	args = append(args, limit+1) // Fetch one extra record to determine if there are more results

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []model.BindingRecord{}
	more := false
	for rows.Next() {
		if len(records) == limit {
			more = true
			break
		}
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	res := &model.ListBindingsResult{Records: records}
	if more && len(records) > 0 {
		last := records[len(records)-1]
		res.NextCursor = encodeCursor(last.CreatedAt, last.DocumentID)
	}
	return res, nil
}

func (p *postgres) CleanupExpired(ctx context.Context, now int64) (int, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM bindings WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
