package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/airliftapp/airlift/internal/domain"
)

const instanceColumns = `id, deployment_id, revision_id, replica_index, container_id, health, host_ip, host_port, cpu_percent, memory_bytes, created_at, updated_at`

// UpsertInstance inserts or refreshes a container instance row keyed by
// container ID.
func (r *Repository) UpsertInstance(ctx context.Context, instance domain.ContainerInstance) error {
	const query = `INSERT INTO container_instances
			(id, deployment_id, revision_id, replica_index, container_id, health, host_ip, host_port, cpu_percent, memory_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (container_id) DO UPDATE SET
			health = EXCLUDED.health,
			host_ip = EXCLUDED.host_ip,
			host_port = EXCLUDED.host_port,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_bytes = EXCLUDED.memory_bytes,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query,
		instance.ID, instance.DeploymentID, instance.RevisionID, instance.ReplicaIndex,
		instance.ContainerID, instance.Health, instance.HostIP, instance.HostPort,
		instance.CPUPercent, instance.MemoryBytes, instance.CreatedAt, instance.UpdatedAt)
	return err
}

// DeleteInstance removes an instance row by container ID.
func (r *Repository) DeleteInstance(ctx context.Context, containerID string) error {
	const query = `DELETE FROM container_instances WHERE container_id = $1`
	_, err := r.pool.Exec(ctx, query, containerID)
	return err
}

// DeleteInstancesByRevision removes all instance rows for a revision.
func (r *Repository) DeleteInstancesByRevision(ctx context.Context, revisionID string) error {
	const query = `DELETE FROM container_instances WHERE revision_id = $1`
	_, err := r.pool.Exec(ctx, query, revisionID)
	return err
}

// ListInstancesByDeployment returns instances for a deployment ordered by
// replica index.
func (r *Repository) ListInstancesByDeployment(ctx context.Context, deploymentID string) ([]domain.ContainerInstance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM container_instances
		WHERE deployment_id = $1 ORDER BY replica_index`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListInstances returns every known instance.
func (r *Repository) ListInstances(ctx context.Context) ([]domain.ContainerInstance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM container_instances ORDER BY deployment_id, replica_index`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func scanInstances(rows pgx.Rows) ([]domain.ContainerInstance, error) {
	instances := make([]domain.ContainerInstance, 0)
	for rows.Next() {
		var in domain.ContainerInstance
		if err := rows.Scan(&in.ID, &in.DeploymentID, &in.RevisionID, &in.ReplicaIndex,
			&in.ContainerID, &in.Health, &in.HostIP, &in.HostPort,
			&in.CPUPercent, &in.MemoryBytes, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}
