package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
)

const revisionColumns = `id, deployment_id, sequence, image_ref, source_digest, env_vars, status, error, created_at, updated_at, completed_at`

// CreateRevision inserts a revision, assigning the next sequence number for
// its deployment. The unique index on (deployment_id, sequence) keeps
// concurrent inserts from sharing a sequence.
func (r *Repository) CreateRevision(ctx context.Context, revision *domain.Revision) error {
	const query = `INSERT INTO revisions (id, deployment_id, sequence, image_ref, source_digest, env_vars, status, error, created_at, updated_at)
		SELECT $1, $2, COALESCE(MAX(sequence), 0) + 1, $3, $4, $5, $6, $7, $8, $9
		FROM revisions WHERE deployment_id = $2
		RETURNING sequence`
	row := r.pool.QueryRow(ctx, query,
		revision.ID, revision.DeploymentID, revision.ImageRef, revision.SourceDigest,
		revision.EnvVars, revision.Status, revision.Error, revision.CreatedAt, revision.UpdatedAt)
	return row.Scan(&revision.Sequence)
}

// GetRevisionByID fetches a revision.
func (r *Repository) GetRevisionByID(ctx context.Context, revisionID string) (*domain.Revision, error) {
	const query = `SELECT ` + revisionColumns + ` FROM revisions WHERE id = $1`
	return r.scanRevision(r.pool.QueryRow(ctx, query, revisionID))
}

// ListRevisionsByDeployment returns revision history, newest first.
func (r *Repository) ListRevisionsByDeployment(ctx context.Context, deploymentID string, limit int) ([]domain.Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + revisionColumns + ` FROM revisions
		WHERE deployment_id = $1 ORDER BY sequence DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	revisions := make([]domain.Revision, 0, limit)
	for rows.Next() {
		var rev domain.Revision
		if err := rows.Scan(&rev.ID, &rev.DeploymentID, &rev.Sequence, &rev.ImageRef, &rev.SourceDigest,
			&rev.EnvVars, &rev.Status, &rev.Error, &rev.CreatedAt, &rev.UpdatedAt, &rev.CompletedAt); err != nil {
			return nil, err
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

// LatestRevision returns the newest revision for a deployment.
func (r *Repository) LatestRevision(ctx context.Context, deploymentID string) (*domain.Revision, error) {
	const query = `SELECT ` + revisionColumns + ` FROM revisions
		WHERE deployment_id = $1 ORDER BY sequence DESC LIMIT 1`
	return r.scanRevision(r.pool.QueryRow(ctx, query, deploymentID))
}

// UpdateRevisionStatus applies a lifecycle transition. Terminal revisions are
// excluded in the WHERE clause so a late update can never resurrect a failed
// or live revision.
func (r *Repository) UpdateRevisionStatus(ctx context.Context, update domain.RevisionStatusUpdate) error {
	const query = `UPDATE revisions SET
			status = $2,
			image_ref = CASE WHEN $3 = '' THEN image_ref ELSE $3 END,
			error = $4,
			completed_at = COALESCE($5, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $7)`
	tag, err := r.pool.Exec(ctx, query,
		update.RevisionID, update.Status, update.ImageRef, update.Error, update.CompletedAt,
		domain.RevisionLive, domain.RevisionFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		exists, err := r.revisionExists(ctx, update.RevisionID)
		if err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}
	return nil
}

func (r *Repository) revisionExists(ctx context.Context, revisionID string) (bool, error) {
	const query = `SELECT 1 FROM revisions WHERE id = $1`
	var one int
	if err := r.pool.QueryRow(ctx, query, revisionID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Repository) scanRevision(row pgx.Row) (*domain.Revision, error) {
	var rev domain.Revision
	if err := row.Scan(&rev.ID, &rev.DeploymentID, &rev.Sequence, &rev.ImageRef, &rev.SourceDigest,
		&rev.EnvVars, &rev.Status, &rev.Error, &rev.CreatedAt, &rev.UpdatedAt, &rev.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rev, nil
}
