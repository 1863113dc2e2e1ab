package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
	"github.com/airliftapp/airlift/internal/service/events"
)

// Registry errors surfaced to callers.
var (
	ErrNameRequired     = errors.New("registry: deployment name required")
	ErrInvalidTier      = errors.New("registry: unknown tier")
	ErrRevisionMismatch   = errors.New("registry: revision does not belong to deployment")
	ErrRevisionFailed     = errors.New("registry: failed revision cannot become active")
	ErrRevisionNotLive    = errors.New("registry: revision is not live")
	ErrRevisionSuperseded = errors.New("registry: revision superseded by a newer live revision")
)

// Service tracks deployment records and owns the active revision pointer.
// Activation is serialized per deployment so at most one revision is active
// at any time and a half-updated deployment is never observable.
type Service struct {
	deployments repository.DeploymentRepository
	revisions   repository.RevisionRepository
	events      events.Service
	logger      *slog.Logger
	locks       *keyedMutex
	now         func() time.Time
}

// New constructs a registry service.
func New(deployments repository.DeploymentRepository, revisions repository.RevisionRepository, eventSvc events.Service, logger *slog.Logger) *Service {
	return &Service{
		deployments: deployments,
		revisions:   revisions,
		events:      eventSvc,
		logger:      logger,
		locks:       newKeyedMutex(),
		now:         time.Now,
	}
}

// Create registers a new deployment on the given tier.
func (s *Service) Create(ctx context.Context, name string, tier domain.Tier) (*domain.Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		Name:      name,
		Tier:      tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	s.logger.Info("deployment created", "deployment_id", deployment.ID, "name", name, "tier", tier)
	s.emit(ctx, deployment.ID, "", "info", fmt.Sprintf("deployment %s created on %s tier", name, tier))
	return deployment, nil
}

// Get returns a deployment by ID.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// List returns all deployments.
func (s *Service) List(ctx context.Context) ([]domain.Deployment, error) {
	return s.deployments.ListDeployments(ctx)
}

// ListRevisions returns revision history for a deployment, newest first.
func (s *Service) ListRevisions(ctx context.Context, deploymentID string, limit int) ([]domain.Revision, error) {
	if _, err := s.deployments.GetDeploymentByID(ctx, deploymentID); err != nil {
		return nil, err
	}
	return s.revisions.ListRevisionsByDeployment(ctx, deploymentID, limit)
}

// Activate swaps the active revision pointer to the given revision. The
// revision must belong to the deployment, be live, and still be the newest
// live candidate; failed revisions are always refused. Rollback is the
// explicit path around the newest-candidate rule. Concurrent activations for
// one deployment are serialized.
func (s *Service) Activate(ctx context.Context, deploymentID, revisionID string) error {
	return s.activate(ctx, deploymentID, revisionID, false)
}

func (s *Service) activate(ctx context.Context, deploymentID, revisionID string, rollback bool) error {
	unlock := s.locks.lock(deploymentID)
	defer unlock()

	revision, err := s.revisions.GetRevisionByID(ctx, revisionID)
	if err != nil {
		return err
	}
	if revision.DeploymentID != deploymentID {
		return ErrRevisionMismatch
	}
	switch revision.Status {
	case domain.RevisionLive:
	case domain.RevisionFailed:
		return ErrRevisionFailed
	default:
		return fmt.Errorf("%w: status %s", ErrRevisionNotLive, revision.Status)
	}
	if !rollback {
		superseded, err := s.superseded(ctx, revision)
		if err != nil {
			return err
		}
		if superseded {
			return ErrRevisionSuperseded
		}
	}

	if err := s.deployments.SetActiveRevision(ctx, deploymentID, revisionID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: concurrent state change", ErrRevisionNotLive)
		}
		return err
	}
	s.logger.Info("revision activated", "deployment_id", deploymentID, "revision_id", revisionID)
	s.emit(ctx, deploymentID, revisionID, "info", fmt.Sprintf("revision %d is now active", revision.Sequence))
	return nil
}

// Rollback re-points the active revision at a previously live revision. The
// target keeps its original image and config; no rebuild happens.
func (s *Service) Rollback(ctx context.Context, deploymentID, revisionID string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if deployment.ActiveRevisionID != nil && *deployment.ActiveRevisionID == revisionID {
		return fmt.Errorf("%w: revision already active", ErrRevisionNotLive)
	}
	if err := s.activate(ctx, deploymentID, revisionID, true); err != nil {
		return err
	}
	s.emit(ctx, deploymentID, revisionID, "warn", "deployment rolled back")
	return nil
}

// superseded reports whether a newer live revision exists for the same
// deployment.
func (s *Service) superseded(ctx context.Context, revision *domain.Revision) (bool, error) {
	all, err := s.revisions.ListRevisionsByDeployment(ctx, revision.DeploymentID, 0)
	if err != nil {
		return false, err
	}
	for _, other := range all {
		if other.Status == domain.RevisionLive && other.Sequence > revision.Sequence {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) emit(ctx context.Context, deploymentID, revisionID, level, message string) {
	event := domain.DeploymentEvent{
		DeploymentID: deploymentID,
		RevisionID:   revisionID,
		Source:       "registry",
		Level:        level,
		Message:      message,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.logger.Warn("failed to append registry event", "deployment_id", deploymentID, "error", err)
	}
}

// keyedMutex hands out one mutex per deployment ID.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
