package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"github.com/aym-n/pixl/internal/models"
)

//go:embed schema.sql
var postgresSchema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresRepository stores sessions, assets and jobs in Postgres so that API
// replicas and workers share state.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens the pool and, unless disabled, applies the
// schema.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if !cfg.SkipMigrations {
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

// Migrate creates the tables when they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not configured")
	}
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func (r *PostgresRepository) CreateSession(ctx context.Context, session models.UploadSession) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO upload_sessions (id, filename, total_size, chunk_size, total_chunks, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, session.ID, session.Filename, session.TotalSize, session.ChunkSize, session.TotalChunks,
			string(session.Status), session.CreatedAt.UTC(), session.ExpiresAt.UTC())
		if err != nil {
			return translateError(err)
		}
		for _, index := range session.ReceivedChunks {
			if _, err := tx.Exec(ctx, `
INSERT INTO upload_chunks (session_id, chunk_index) VALUES ($1, $2) ON CONFLICT DO NOTHING
`, session.ID, index); err != nil {
				return translateError(err)
			}
		}
		return nil
	})
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	return r.loadSession(ctx, r.pool, id)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PostgresRepository) loadSession(ctx context.Context, q queryer, id string) (models.UploadSession, error) {
	row := q.QueryRow(ctx, `
SELECT id, filename, total_size, chunk_size, total_chunks, status, created_at, expires_at
FROM upload_sessions
WHERE id = $1
`, id)
	session, err := scanSession(row)
	if err != nil {
		return models.UploadSession{}, err
	}
	rows, err := q.Query(ctx, `
SELECT chunk_index FROM upload_chunks WHERE session_id = $1 ORDER BY chunk_index
`, id)
	if err != nil {
		return models.UploadSession{}, translateError(err)
	}
	chunks, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return models.UploadSession{}, translateError(err)
	}
	session.ReceivedChunks = make([]int, 0, len(chunks))
	for _, index := range chunks {
		session.ReceivedChunks = append(session.ReceivedChunks, int(index))
	}
	return session, nil
}

func scanSession(row pgx.Row) (models.UploadSession, error) {
	var (
		session models.UploadSession
		status  string
	)
	if err := row.Scan(&session.ID, &session.Filename, &session.TotalSize, &session.ChunkSize,
		&session.TotalChunks, &status, &session.CreatedAt, &session.ExpiresAt); err != nil {
		return models.UploadSession{}, translateError(err)
	}
	parsed, err := models.ParseUploadStatus(status)
	if err != nil {
		return models.UploadSession{}, err
	}
	session.Status = parsed
	return session, nil
}

func (r *PostgresRepository) AddChunk(ctx context.Context, id string, index int) (models.UploadSession, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `
INSERT INTO upload_chunks (session_id, chunk_index) VALUES ($1, $2) ON CONFLICT DO NOTHING
`, id, index); err != nil {
		return models.UploadSession{}, translateError(err)
	}
	return r.loadSession(ctx, r.pool, id)
}

func (r *PostgresRepository) MarkSessionCompleted(ctx context.Context, id string) (models.UploadSession, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE upload_sessions SET status = $2 WHERE id = $1`, id, string(models.UploadCompleted))
	if err != nil {
		return models.UploadSession{}, translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.UploadSession{}, ErrNotFound
	}
	return r.loadSession(ctx, r.pool, id)
}

func (r *PostgresRepository) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT id FROM upload_sessions
WHERE status = $1 AND expires_at <= $2
ORDER BY expires_at
LIMIT $3
`, string(models.UploadInProgress), now.UTC(), clampLimit(limit, defaultListLimit))
	if err != nil {
		return nil, translateError(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, translateError(err)
	}
	sessions := make([]models.UploadSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.loadSession(ctx, r.pool, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const assetColumns = `id, title, description, original_filename, source_key, size_bytes, checksum, status,
thumbnail_key, sprite_key, captions_key, manifest_key, duration_seconds, view_count, created_at, updated_at`

func (r *PostgresRepository) CreateAsset(ctx context.Context, asset models.Asset) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
INSERT INTO assets (`+assetColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`, asset.ID, asset.Title, asset.Description, asset.OriginalFilename, asset.SourceKey, asset.SizeBytes,
		asset.Checksum, string(asset.Status), asset.ThumbnailKey, asset.SpriteKey, asset.CaptionsKey,
		asset.ManifestKey, asset.DurationSeconds, asset.ViewCount, asset.CreatedAt.UTC(), asset.UpdatedAt.UTC())
	return translateError(err)
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var (
		asset  models.Asset
		status string
	)
	if err := row.Scan(&asset.ID, &asset.Title, &asset.Description, &asset.OriginalFilename, &asset.SourceKey,
		&asset.SizeBytes, &asset.Checksum, &status, &asset.ThumbnailKey, &asset.SpriteKey, &asset.CaptionsKey,
		&asset.ManifestKey, &asset.DurationSeconds, &asset.ViewCount, &asset.CreatedAt, &asset.UpdatedAt); err != nil {
		return models.Asset{}, translateError(err)
	}
	parsed, err := models.ParseAssetStatus(status)
	if err != nil {
		return models.Asset{}, err
	}
	asset.Status = parsed
	return asset, nil
}

func (r *PostgresRepository) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	return scanAsset(r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
}

func (r *PostgresRepository) UpdateAsset(ctx context.Context, id string, fn AssetMutation) (models.Asset, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	var updated models.Asset
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		asset, err := scanAsset(tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(&asset); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
UPDATE assets SET title = $2, description = $3, original_filename = $4, source_key = $5, size_bytes = $6,
    checksum = $7, status = $8, thumbnail_key = $9, sprite_key = $10, captions_key = $11, manifest_key = $12,
    duration_seconds = $13, view_count = $14, updated_at = $15
WHERE id = $1
`, id, asset.Title, asset.Description, asset.OriginalFilename, asset.SourceKey, asset.SizeBytes, asset.Checksum,
			string(asset.Status), asset.ThumbnailKey, asset.SpriteKey, asset.CaptionsKey, asset.ManifestKey,
			asset.DurationSeconds, asset.ViewCount, asset.UpdatedAt.UTC())
		if err != nil {
			return translateError(err)
		}
		asset.ID = id
		updated = asset
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}
	return updated, nil
}

func (r *PostgresRepository) ListAssets(ctx context.Context, limit int) ([]models.Asset, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at DESC, id DESC LIMIT $1`,
		clampLimit(limit, defaultListLimit))
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	assets := make([]models.Asset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, translateError(rows.Err())
}

func (r *PostgresRepository) IncrementViews(ctx context.Context, id string) (int64, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	var views int64
	err := r.pool.QueryRow(ctx, `UPDATE assets SET view_count = view_count + 1 WHERE id = $1 RETURNING view_count`, id).Scan(&views)
	if err != nil {
		return 0, translateError(err)
	}
	return views, nil
}

func (r *PostgresRepository) DeleteAsset(ctx context.Context, id string) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const jobColumns = `id, asset_id, rendition, status, worker_id, started_at, completed_at, retry_count, error,
output_key, output_size, created_at`

func (r *PostgresRepository) CreateJob(ctx context.Context, job models.TranscodeJob) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
INSERT INTO transcode_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, job.ID, job.AssetID, string(job.Rendition), string(job.Status), job.WorkerID, utcPtr(job.StartedAt),
		utcPtr(job.CompletedAt), job.RetryCount, job.Error, job.OutputKey, job.OutputSize, job.CreatedAt.UTC())
	return translateError(err)
}

func scanJob(row pgx.Row) (models.TranscodeJob, error) {
	var (
		job       models.TranscodeJob
		rendition string
		status    string
	)
	if err := row.Scan(&job.ID, &job.AssetID, &rendition, &status, &job.WorkerID, &job.StartedAt,
		&job.CompletedAt, &job.RetryCount, &job.Error, &job.OutputKey, &job.OutputSize, &job.CreatedAt); err != nil {
		return models.TranscodeJob{}, translateError(err)
	}
	parsedRendition, err := models.ParseRendition(rendition)
	if err != nil {
		return models.TranscodeJob{}, err
	}
	parsedStatus, err := models.ParseJobStatus(status)
	if err != nil {
		return models.TranscodeJob{}, err
	}
	job.Rendition = parsedRendition
	job.Status = parsedStatus
	return job, nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, id string) (models.TranscodeJob, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcode_jobs WHERE id = $1`, id))
}

func (r *PostgresRepository) UpdateJob(ctx context.Context, id string, fn JobMutation) (models.TranscodeJob, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	var updated models.TranscodeJob
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcode_jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		identity := job
		if err := fn(&job); err != nil {
			return err
		}
		job.ID, job.AssetID, job.Rendition, job.CreatedAt = identity.ID, identity.AssetID, identity.Rendition, identity.CreatedAt
		_, err = tx.Exec(ctx, `
UPDATE transcode_jobs SET status = $2, worker_id = $3, started_at = $4, completed_at = $5, retry_count = $6,
    error = $7, output_key = $8, output_size = $9
WHERE id = $1
`, id, string(job.Status), job.WorkerID, utcPtr(job.StartedAt), utcPtr(job.CompletedAt), job.RetryCount,
			job.Error, job.OutputKey, job.OutputSize)
		if err != nil {
			return translateError(err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return models.TranscodeJob{}, err
	}
	return updated, nil
}

func (r *PostgresRepository) ListJobsByAsset(ctx context.Context, assetID string) ([]models.TranscodeJob, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM transcode_jobs WHERE asset_id = $1 ORDER BY seq`, assetID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	jobs := make([]models.TranscodeJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, translateError(rows.Err())
}

func (r *PostgresRepository) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM transcode_jobs WHERE status = $1`, string(status)).Scan(&count); err != nil {
		return 0, translateError(err)
	}
	return count, nil
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return translateError(err)
	}
	defer rollbackTx(ctx, tx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

// IsPoolClosed reports whether err came from a pool that has been shut down.
func IsPoolClosed(err error) bool {
	return errors.Is(err, puddle.ErrClosedPool)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if isNoRows(err) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	if IsPoolClosed(err) {
		return fmt.Errorf("postgres pool closed: %w", err)
	}
	return err
}
