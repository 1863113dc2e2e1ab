package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.RevisionRepository   = (*Repository)(nil)
	_ repository.InstanceRepository   = (*Repository)(nil)
	_ repository.EventRepository      = (*Repository)(nil)
)

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, name, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.Name, deployment.Tier, deployment.CreatedAt, deployment.UpdatedAt)
	return err
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, name, tier, active_revision_id, created_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.Name, &d.Tier, &d.ActiveRevisionID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns all deployments, newest first.
func (r *Repository) ListDeployments(ctx context.Context) ([]domain.Deployment, error) {
	const query = `SELECT id, name, tier, active_revision_id, created_at, updated_at
		FROM deployments ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.Name, &d.Tier, &d.ActiveRevisionID, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// SetActiveRevision swaps the active revision pointer. The WHERE clause makes
// the swap conditional on the revision belonging to the deployment and being
// live, so a half-updated deployment is never visible.
func (r *Repository) SetActiveRevision(ctx context.Context, deploymentID, revisionID string, updatedAt time.Time) error {
	const query = `UPDATE deployments d
		SET active_revision_id = r.id, updated_at = $3
		FROM revisions r
		WHERE d.id = $1 AND r.id = $2 AND r.deployment_id = d.id AND r.status = $4`
	tag, err := r.pool.Exec(ctx, query, deploymentID, revisionID, updatedAt, domain.RevisionLive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}
