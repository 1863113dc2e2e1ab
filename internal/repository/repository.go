package repository

import (
	"context"
	"time"

	"github.com/airliftapp/airlift/internal/domain"
)

// DeploymentRepository persists deployment records and the active revision
// pointer.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context) ([]domain.Deployment, error)
	// SetActiveRevision swaps the active revision pointer in a single
	// conditional update. The swap only succeeds when the revision belongs
	// to the deployment and is live; otherwise ErrConflict is returned and
	// the previous pointer stays fully visible.
	SetActiveRevision(ctx context.Context, deploymentID, revisionID string, updatedAt time.Time) error
}

// RevisionRepository persists immutable revisions and their lifecycle status.
type RevisionRepository interface {
	CreateRevision(ctx context.Context, revision *domain.Revision) error
	GetRevisionByID(ctx context.Context, revisionID string) (*domain.Revision, error)
	ListRevisionsByDeployment(ctx context.Context, deploymentID string, limit int) ([]domain.Revision, error)
	// LatestRevision returns the revision with the highest sequence for the
	// deployment, used to detect superseded in-flight work.
	LatestRevision(ctx context.Context, deploymentID string) (*domain.Revision, error)
	UpdateRevisionStatus(ctx context.Context, update domain.RevisionStatusUpdate) error
}

// InstanceRepository stores running container replica metadata.
type InstanceRepository interface {
	UpsertInstance(ctx context.Context, instance domain.ContainerInstance) error
	DeleteInstance(ctx context.Context, containerID string) error
	DeleteInstancesByRevision(ctx context.Context, revisionID string) error
	ListInstancesByDeployment(ctx context.Context, deploymentID string) ([]domain.ContainerInstance, error)
	ListInstances(ctx context.Context) ([]domain.ContainerInstance, error)
}

// EventRepository handles deployment event persistence and retrieval.
type EventRepository interface {
	AppendEvent(ctx context.Context, event domain.DeploymentEvent) error
	ListEventsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentEvent, error)
}
