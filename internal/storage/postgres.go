package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodworks/internal/media"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// videos table exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (VideoRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
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
	repo := &postgresRepository{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

const videosSchema = `
CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	source_path TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL,
	container_format TEXT NOT NULL,
	source_resolution TEXT NOT NULL,
	uploaded_at TIMESTAMPTZ NOT NULL
)`

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, videosSchema); err != nil {
		return fmt.Errorf("ensure videos schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) CreateVideo(ctx context.Context, video media.Video) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO videos (id, source_path, size_bytes, duration_seconds, container_format, source_resolution, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		video.ID,
		video.SourcePath,
		video.SizeBytes,
		video.DurationSeconds,
		video.ContainerFormat,
		video.SourceResolution,
		video.UploadedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVideoExists
		}
		return fmt.Errorf("insert video %s: %w", video.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetVideo(ctx context.Context, id string) (media.Video, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, source_path, size_bytes, duration_seconds, container_format, source_resolution, uploaded_at
		 FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.Video{}, false, nil
		}
		return media.Video{}, false, fmt.Errorf("select video %s: %w", id, err)
	}
	return video, true, nil
}

func (r *postgresRepository) ListVideos(ctx context.Context) ([]media.Video, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, source_path, size_bytes, duration_seconds, container_format, source_resolution, uploaded_at
		 FROM videos ORDER BY uploaded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	var videos []media.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}
	return videos, nil
}

func (r *postgresRepository) DeleteVideo(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (media.Video, error) {
	var video media.Video
	err := row.Scan(
		&video.ID,
		&video.SourcePath,
		&video.SizeBytes,
		&video.DurationSeconds,
		&video.ContainerFormat,
		&video.SourceResolution,
		&video.UploadedAt,
	)
	return video, err
}
