package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Pgvector is an Index backed by a PostgreSQL table with a pgvector column.
// Each index name maps to its own table. Immediately consistent; Refresh is
// a no-op.
//
// Similarity property: cosine distance from the <=> operator lies in [0,2];
// 1 - distance is computed in SQL and clamped to [0,1], so an identical
// direction scores exactly 1.
type Pgvector struct {
	pool      *pgxpool.Pool
	name      string
	table     string
	dimension int
	logger    *slog.Logger
}

// NewPgvector creates a pgvector-backed index over an existing pool. The
// vector extension must already be installed (the migrations do this).
func NewPgvector(pool *pgxpool.Pool, name string, dimension int, logger *slog.Logger) (*Pgvector, error) {
	if pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	if name == "" {
		return nil, errors.New("index name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrIndexConfig, dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pgvector{
		pool:      pool,
		name:      name,
		table:     pgx.Identifier{name}.Sanitize(),
		dimension: dimension,
		logger:    logger,
	}, nil
}

// Ensure creates the table if absent and verifies the embedding column's
// dimension. Race-safe: concurrent creators both reach the dimension check,
// so whichever schema won the CREATE race is what both are validated
// against; a loser with a different dimension fails with ErrIndexConfig.
func (p *Pgvector) Ensure(ctx context.Context) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		embedding VECTOR(%d) NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, p.table, p.dimension)

	if _, err := p.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("creating table %s: %w", p.table, err)
	}

	// atttypmod carries the declared dimension for vector columns.
	var typmod int
	err := p.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = $1::regclass AND attname = 'embedding' AND NOT attisdropped`,
		p.table,
	).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("reading dimension of %s: %w", p.table, err)
	}
	if typmod != p.dimension {
		return fmt.Errorf("%w: table %s exists with dimension %d, configured %d",
			ErrIndexConfig, p.table, typmod, p.dimension)
	}
	return nil
}

// BulkInsert inserts records one row at a time so a rejected row does not
// roll back its predecessors. Rejected rows surface in a
// *PartialInsertError alongside the success count.
func (p *Pgvector) BulkInsert(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := validateDimensions(records, p.dimension); err != nil {
		return 0, err
	}

	insert := fmt.Sprintf(
		`INSERT INTO %s (id, embedding, content, metadata, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.table)

	inserted := 0
	var failed []FailedRecord
	for _, r := range records {
		_, err := p.pool.Exec(ctx, insert,
			r.ID, pgvector.NewVector(r.Embedding), r.Text, r.Metadata, r.CreatedAt)
		if err == nil {
			inserted++
			continue
		}
		// Connectivity failures abort the batch; row-level rejections
		// (constraint violations and the like) are accounted and skipped.
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			if inserted > 0 || len(failed) > 0 {
				failed = append(failed, FailedRecord{ID: r.ID, Reason: err.Error()})
				p.logger.Warn("bulk insert aborted mid-batch",
					"table", p.table, "inserted", inserted, "failed", len(failed))
				return inserted, &PartialInsertError{Inserted: inserted, Failed: failed}
			}
			return 0, fmt.Errorf("inserting into %s: %w", p.table, err)
		}
		failed = append(failed, FailedRecord{ID: r.ID, Reason: pgErr.Message})
	}

	if len(failed) > 0 {
		p.logger.Warn("bulk insert partially failed",
			"table", p.table, "inserted", inserted, "failed", len(failed))
		return inserted, &PartialInsertError{Inserted: inserted, Failed: failed}
	}
	return inserted, nil
}

// Search orders by cosine distance and converts to similarity in SQL.
func (p *Pgvector) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) != p.dimension {
		return nil, &SearchError{
			Backend: "pgvector",
			Err:     fmt.Errorf("%w: query dimension %d, index expects %d", ErrIndexConfig, len(vector), p.dimension),
		}
	}
	if k <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT content, metadata, 1 - (embedding <=> $1) AS similarity
		 FROM %s ORDER BY embedding <=> $1 LIMIT $2`, p.table)

	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, &SearchError{Backend: "pgvector", Err: err}
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Text, &h.Metadata, &h.Similarity); err != nil {
			return nil, &SearchError{Backend: "pgvector", Err: fmt.Errorf("scanning row: %w", err)}
		}
		h.Similarity = clamp01(h.Similarity)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &SearchError{Backend: "pgvector", Err: err}
	}
	return hits, nil
}

// DeleteAll drops the table. Idempotent.
func (p *Pgvector) DeleteAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+p.table); err != nil {
		return fmt.Errorf("dropping table %s: %w", p.table, err)
	}
	p.logger.Info("dropped index table", "table", p.table)
	return nil
}

// Stats reports row count and total relation size. An absent table reports
// zeros.
func (p *Pgvector) Stats(ctx context.Context) (Stats, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", p.table).Scan(&exists)
	if err != nil {
		return Stats{}, fmt.Errorf("checking table %s: %w", p.table, err)
	}
	if !exists {
		return Stats{}, nil
	}

	var s Stats
	query := fmt.Sprintf("SELECT count(*), pg_total_relation_size('%s') FROM %s", p.table, p.table)
	if err := p.pool.QueryRow(ctx, query).Scan(&s.RecordCount, &s.SizeBytes); err != nil {
		return Stats{}, fmt.Errorf("reading stats for %s: %w", p.table, err)
	}
	return s, nil
}

// Refresh is a no-op; rows are visible at commit.
func (*Pgvector) Refresh(_ context.Context) error { return nil }
