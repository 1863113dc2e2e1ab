package postgres

import (
	"context"

	"github.com/airliftapp/airlift/internal/domain"
)

// AppendEvent persists a deployment event.
func (r *Repository) AppendEvent(ctx context.Context, event domain.DeploymentEvent) error {
	const query = `INSERT INTO deployment_events (deployment_id, revision_id, source, level, message, metadata, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		event.DeploymentID, event.RevisionID, event.Source, event.Level,
		event.Message, event.Metadata, event.CreatedAt)
	return err
}

// ListEventsByDeployment returns events for a deployment, newest first.
func (r *Repository) ListEventsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, deployment_id, COALESCE(revision_id::text, ''), source, level, message, metadata, created_at
		FROM deployment_events WHERE deployment_id = $1
		ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.DeploymentEvent, 0, limit)
	for rows.Next() {
		var ev domain.DeploymentEvent
		if err := rows.Scan(&ev.ID, &ev.DeploymentID, &ev.RevisionID, &ev.Source, &ev.Level,
			&ev.Message, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
