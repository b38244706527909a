package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PGStore is the postgres-backed attempt store.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPG connects the pool and applies pending migrations.
func OpenPG(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if err := db.Close(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("close migration connection: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Create(ctx context.Context, a Attempt) error {
	if a.Status == "" {
		a.Status = StatusCreated
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attempts (
			id, user_id, client_session,
			candidate_name, target_role, target_company, job_description, resume_ref,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.UserID, a.ClientSession,
		a.Metadata.CandidateName, a.Metadata.TargetRole, a.Metadata.TargetCompany,
		a.Metadata.JobDescription, a.Metadata.ResumeRef,
		a.Status, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PGStore) MarkConnected(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attempts SET status = $2, connected_at = $3 WHERE id = $1
	`, id, StatusConnected, at)
	if err != nil {
		return fmt.Errorf("mark attempt connected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkEnded(ctx context.Context, id string, at time.Time, reason string, partial, failed bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attempts
		SET status = $2, ended_at = $3, end_reason = $4, partial = $5, failed = $6
		WHERE id = $1
	`, id, StatusEnded, at, reason, partial, failed)
	if err != nil {
		return fmt.Errorf("mark attempt ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Attempt, error) {
	var a Attempt
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, client_session,
		       candidate_name, target_role, target_company, job_description, resume_ref,
		       status, COALESCE(end_reason, ''), partial, failed,
		       created_at, connected_at, ended_at
		FROM attempts WHERE id = $1
	`, id).Scan(
		&a.ID, &a.UserID, &a.ClientSession,
		&a.Metadata.CandidateName, &a.Metadata.TargetRole, &a.Metadata.TargetCompany,
		&a.Metadata.JobDescription, &a.Metadata.ResumeRef,
		&a.Status, &a.EndReason, &a.Partial, &a.Failed,
		&a.CreatedAt, &a.ConnectedAt, &a.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("select attempt: %w", err)
	}
	return a, nil
}
