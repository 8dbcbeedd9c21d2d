// Package postgres provides the Postgres-backed posting store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses, so pgxmock can stand in.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// PostingStore implements crawler.PostingStore on Postgres.
type PostingStore struct {
	pool pool
}

var _ crawler.PostingStore = (*PostingStore)(nil)

// NewPostingStore connects a pool using cfg.
func NewPostingStore(ctx context.Context, cfg Config) (*PostingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostingStore{pool: p}, nil
}

// NewPostingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostingStoreWithPool(p pool) (*PostingStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostingStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *PostingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *PostingStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostingStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const postingColumns = `id::text, source_host_id, source, url, canonical_url, url_hash, html_hash,
	job_id, company, job_title, location, posting_date, job_family, status,
	discovered_at, last_seen_at, initial_snapshot_done`

// ExistsByURLOrHash implements crawler.PostingStore.
func (s *PostingStore) ExistsByURLOrHash(ctx context.Context, url, urlHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_postings WHERE url = $1 OR url_hash = $2)`,
		url, urlHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check posting exists: %w", err)
	}
	return exists, nil
}

// FindOpen implements crawler.PostingStore.
func (s *PostingStore) FindOpen(ctx context.Context, url, canonicalURL, urlHash string) (crawler.JobPosting, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postingColumns+`
FROM job_postings
WHERE status = 'open' AND (url = $1 OR canonical_url = $2 OR url_hash = $3)
ORDER BY discovered_at DESC
LIMIT 1`, url, canonicalURL, urlHash)

	p, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.JobPosting{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.JobPosting{}, fmt.Errorf("find posting: %w", err)
	}
	return p, nil
}

// Insert implements crawler.PostingStore. A url_hash collision with an open
// posting returns crawler.ErrDuplicate.
func (s *PostingStore) Insert(ctx context.Context, p crawler.JobPosting) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO job_postings (
	id, source_host_id, source, url, canonical_url, url_hash, html_hash,
	job_id, company, job_title, location, posting_date, job_family, status,
	discovered_at, last_seen_at, initial_snapshot_done
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)`,
		p.ID, p.SourceHostID, p.Source, p.URL, p.CanonicalURL, p.URLHash, p.HTMLHash,
		p.JobID, p.Company, p.JobTitle, p.Location, p.PostingDate, p.JobFamily, string(p.Status),
		p.DiscoveredAt, p.LastSeenAt, p.InitialSnapshotDone,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert posting %s: %w", p.URLHash, crawler.ErrDuplicate)
		}
		return fmt.Errorf("insert posting: %w", err)
	}
	return nil
}

// Update implements crawler.PostingStore. The original url and discovery time never change.
func (s *PostingStore) Update(ctx context.Context, p crawler.JobPosting) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE job_postings SET
	source_host_id = $2,
	source = $3,
	canonical_url = $4,
	url_hash = $5,
	html_hash = $6,
	job_id = $7,
	company = $8,
	job_title = $9,
	location = $10,
	posting_date = $11,
	job_family = $12,
	status = $13,
	last_seen_at = $14,
	initial_snapshot_done = $15
WHERE id = $1`,
		p.ID, p.SourceHostID, p.Source, p.CanonicalURL, p.URLHash, p.HTMLHash,
		p.JobID, p.Company, p.JobTitle, p.Location, p.PostingDate, p.JobFamily,
		string(p.Status), p.LastSeenAt, p.InitialSnapshotDone,
	)
	if err != nil {
		return fmt.Errorf("update posting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update posting %s: %w", p.ID, crawler.ErrNotFound)
	}
	return nil
}

// AppendVersion implements crawler.PostingStore.
func (s *PostingStore) AppendVersion(ctx context.Context, v crawler.PostingVersion) error {
	var archive *string
	if v.ArchiveURI != "" {
		archive = &v.ArchiveURI
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO posting_versions (id, job_posting_id, html_hash, job_title, location, snapshot_at, archive_uri)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, v.JobPostingID, v.HTMLHash, v.JobTitle, v.Location, v.SnapshotAt, archive,
	)
	if err != nil {
		return fmt.Errorf("insert posting version: %w", err)
	}
	return nil
}

// MarkSnapshotted implements crawler.PostingStore.
func (s *PostingStore) MarkSnapshotted(ctx context.Context, postingID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE job_postings SET initial_snapshot_done = true WHERE id = $1`, postingID); err != nil {
		return fmt.Errorf("mark snapshotted: %w", err)
	}
	return nil
}

// CloseByURL implements crawler.PostingStore.
func (s *PostingStore) CloseByURL(ctx context.Context, urlOrHash string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE job_postings
SET status = 'closed', last_seen_at = GREATEST(last_seen_at, $2)
WHERE status = 'open' AND (url = $1 OR canonical_url = $1 OR url_hash = $1)`,
		urlOrHash, at)
	if err != nil {
		return false, fmt.Errorf("close posting: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExistsByCompanyJobID implements crawler.PostingStore.
func (s *PostingStore) ExistsByCompanyJobID(ctx context.Context, company, jobID, excludeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM job_postings
	WHERE company = $1 AND job_id IS NOT NULL AND job_id = $2
	  AND ($3 = '' OR id::text <> $3)
)`, company, jobID, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup by company job id: %w", err)
	}
	return exists, nil
}

// ExistsByCompanyTitleLocation implements crawler.PostingStore.
func (s *PostingStore) ExistsByCompanyTitleLocation(
	ctx context.Context,
	company, title, location string,
	since time.Time,
	excludeID string,
) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM job_postings
	WHERE company = $1 AND job_title = $2 AND COALESCE(location, '') = $3
	  AND discovered_at >= $4
	  AND ($5 = '' OR id::text <> $5)
)`, company, title, location, since, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup by company title location: %w", err)
	}
	return exists, nil
}

// ListStale implements crawler.PostingStore. A limit <= 0 returns every stale
// posting.
func (s *PostingStore) ListStale(ctx context.Context, source string, seenBefore time.Time, limit int) ([]crawler.JobPosting, error) {
	query := `SELECT ` + postingColumns + `
FROM job_postings
WHERE status = 'open' AND source = $1 AND last_seen_at < $2
ORDER BY last_seen_at ASC`
	args := []any{source, seenBefore}
	if limit > 0 {
		query += `
LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale postings: %w", err)
	}
	defer rows.Close()

	var out []crawler.JobPosting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale posting: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale postings: %w", err)
	}
	return out, nil
}

// ListVersions implements crawler.PostingStore.
func (s *PostingStore) ListVersions(ctx context.Context, postingID string) ([]crawler.PostingVersion, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, job_posting_id::text, html_hash, job_title, location, snapshot_at, COALESCE(archive_uri, '')
FROM posting_versions
WHERE job_posting_id = $1
ORDER BY snapshot_at, id`, postingID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []crawler.PostingVersion
	for rows.Next() {
		var v crawler.PostingVersion
		if err := rows.Scan(&v.ID, &v.JobPostingID, &v.HTMLHash, &v.JobTitle, &v.Location, &v.SnapshotAt, &v.ArchiveURI); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func scanPosting(row pgx.Row) (crawler.JobPosting, error) {
	var (
		p      crawler.JobPosting
		status string
	)
	err := row.Scan(
		&p.ID, &p.SourceHostID, &p.Source, &p.URL, &p.CanonicalURL, &p.URLHash, &p.HTMLHash,
		&p.JobID, &p.Company, &p.JobTitle, &p.Location, &p.PostingDate, &p.JobFamily, &status,
		&p.DiscoveredAt, &p.LastSeenAt, &p.InitialSnapshotDone,
	)
	if err != nil {
		return crawler.JobPosting{}, err
	}
	p.Status = crawler.Status(status)
	return p, nil
}
