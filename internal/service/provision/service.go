package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/airliftapp/airlift/internal/docker"
	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
	"github.com/airliftapp/airlift/internal/service/events"
	"github.com/airliftapp/airlift/pkg/config"
	"github.com/airliftapp/airlift/pkg/crypto"
)

// appPort is the port every revision container serves on; the host side is
// assigned dynamically.
const appPort = nat.Port("8000/tcp")

const backoffCap = 30 * time.Second

// ContainerRunner starts and stops revision containers.
type ContainerRunner interface {
	RunContainer(ctx context.Context, name, image string, env []string, port nat.Port, res docker.Resources) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
}

// Activator swaps the deployment's active revision pointer.
type Activator interface {
	Activate(ctx context.Context, deploymentID, revisionID string) error
}

// Service allocates infrastructure for built revisions. Provisioning is
// asynchronous and may take minutes; transient failures are retried with
// exponential backoff up to a bound before the revision is marked failed.
type Service struct {
	deployments repository.DeploymentRepository
	revisions   repository.RevisionRepository
	instances   repository.InstanceRepository
	runner      ContainerRunner
	activator   Activator
	events      events.Service
	logger      *slog.Logger
	cfg         config.Config
	now         func() time.Time
}

// New constructs a provisioner.
func New(deployments repository.DeploymentRepository, revisions repository.RevisionRepository, instances repository.InstanceRepository, runner ContainerRunner, activator Activator, eventSvc events.Service, logger *slog.Logger, cfg config.Config) *Service {
	return &Service{
		deployments: deployments,
		revisions:   revisions,
		instances:   instances,
		runner:      runner,
		activator:   activator,
		events:      eventSvc,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Provision starts bringing the revision live in the background.
func (s *Service) Provision(revision domain.Revision) {
	go func() {
		if err := s.run(context.Background(), revision); err != nil {
			s.logger.Warn("provisioning ended with error", "revision_id", revision.ID, "error", err)
		}
	}()
}

// run executes the provisioning workflow for one revision. Tests call it
// directly; Provision wraps it in a goroutine.
func (s *Service) run(parent context.Context, revision domain.Revision) error {
	ctx := parent
	if s.cfg.ProvisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.cfg.ProvisionTimeout)
		defer cancel()
	}

	deployment, err := s.deployments.GetDeploymentByID(ctx, revision.DeploymentID)
	if err != nil {
		return s.fail(parent, revision, "", fmt.Errorf("load deployment: %w", err))
	}
	profile, ok := deployment.Tier.Profile()
	if !ok {
		return s.fail(parent, revision, "", fmt.Errorf("deployment %s has unknown tier %q", deployment.ID, deployment.Tier))
	}

	env, err := s.containerEnv(revision)
	if err != nil {
		return s.fail(parent, revision, "", err)
	}

	s.emit(ctx, revision, "info", "allocating infrastructure", nil)

	name := ContainerName(revision, 0)
	resources := docker.Resources{NanoCPUs: profile.NanoCPUs, MemoryBytes: profile.MemoryBytes}

	var info docker.ContainerInfo
	backoff := retry.WithCappedDuration(backoffCap, retry.NewExponential(s.backoffBase()))
	backoff = retry.WithMaxRetries(uint64(s.maxRetries()), backoff)
	attemptErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		started, err := s.runner.RunContainer(ctx, name, revision.ImageRef, env, appPort, resources)
		if err != nil {
			if classified := classify(err); errors.Is(classified, ErrResourceExhausted) {
				return classified
			}
			s.logger.Warn("provision attempt failed, will retry", "revision_id", revision.ID, "error", err)
			return retry.RetryableError(err)
		}
		info = started
		return nil
	})
	if attemptErr != nil {
		if ctx.Err() != nil {
			attemptErr = fmt.Errorf("%w: %v", ErrProvisionTimeout, attemptErr)
		}
		return s.fail(parent, revision, info.ID, attemptErr)
	}

	now := s.now().UTC()
	instance := domain.ContainerInstance{
		ID:           uuid.NewString(),
		DeploymentID: revision.DeploymentID,
		RevisionID:   revision.ID,
		ReplicaIndex: 0,
		ContainerID:  info.ID,
		Health:       domain.HealthHealthy,
		HostIP:       info.HostIP,
		HostPort:     info.HostPort,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.instances.UpsertInstance(ctx, instance); err != nil {
		return s.fail(parent, revision, info.ID, fmt.Errorf("register instance: %w", err))
	}

	superseded, err := s.isSuperseded(ctx, revision)
	if err != nil {
		s.logger.Warn("supersede check failed", "revision_id", revision.ID, "error", err)
	}
	if superseded {
		return s.abandon(parent, revision, info.ID)
	}

	completed := s.now().UTC()
	if err := s.revisions.UpdateRevisionStatus(ctx, domain.RevisionStatusUpdate{
		RevisionID:  revision.ID,
		Status:      domain.RevisionLive,
		CompletedAt: &completed,
	}); err != nil {
		return s.fail(parent, revision, info.ID, fmt.Errorf("mark revision live: %w", err))
	}

	if err := s.activator.Activate(ctx, revision.DeploymentID, revision.ID); err != nil {
		s.logger.Error("activation failed for live revision", "deployment_id", revision.DeploymentID, "revision_id", revision.ID, "error", err)
		s.emit(ctx, revision, "error", fmt.Sprintf("revision is live but activation failed: %v", err), nil)
		return err
	}

	s.logger.Info("revision live", "deployment_id", revision.DeploymentID, "revision_id", revision.ID, "container_id", info.ID, "host_port", info.HostPort)
	s.emit(ctx, revision, "info", "revision is live", map[string]any{
		"container_id": info.ID,
		"host_ip":      info.HostIP,
		"host_port":    info.HostPort,
	})
	return nil
}

func (s *Service) containerEnv(revision domain.Revision) ([]string, error) {
	envMap, err := crypto.DecryptEnv(s.cfg.EnvEncryptionKey, revision.EnvVars)
	if err != nil {
		return nil, fmt.Errorf("open revision env: %w", err)
	}
	env := make([]string, 0, len(envMap))
	for _, key := range crypto.SortedKeys(envMap) {
		env = append(env, key+"="+envMap[key])
	}
	return env, nil
}

func (s *Service) isSuperseded(ctx context.Context, revision domain.Revision) (bool, error) {
	latest, err := s.revisions.LatestRevision(ctx, revision.DeploymentID)
	if err != nil {
		return false, err
	}
	return latest.ID != revision.ID, nil
}

// abandon tears down a superseded revision's resources. The active pointer
// is untouched.
func (s *Service) abandon(ctx context.Context, revision domain.Revision, containerID string) error {
	s.logger.Info("provisioning abandoned", "deployment_id", revision.DeploymentID, "revision_id", revision.ID)
	s.release(ctx, revision, containerID)
	completed := s.now().UTC()
	if err := s.revisions.UpdateRevisionStatus(ctx, domain.RevisionStatusUpdate{
		RevisionID:  revision.ID,
		Status:      domain.RevisionFailed,
		Error:       ErrSuperseded.Error(),
		CompletedAt: &completed,
	}); err != nil {
		s.logger.Warn("failed to finalize abandoned revision", "revision_id", revision.ID, "error", err)
	}
	s.emit(ctx, revision, "warn", "provisioning abandoned: superseded by a newer revision", nil)
	return ErrSuperseded
}

func (s *Service) fail(ctx context.Context, revision domain.Revision, containerID string, cause error) error {
	s.logger.Error("provisioning failed", "deployment_id", revision.DeploymentID, "revision_id", revision.ID, "error", cause)
	s.release(ctx, revision, containerID)
	completed := s.now().UTC()
	if err := s.revisions.UpdateRevisionStatus(ctx, domain.RevisionStatusUpdate{
		RevisionID:  revision.ID,
		Status:      domain.RevisionFailed,
		Error:       cause.Error(),
		CompletedAt: &completed,
	}); err != nil {
		s.logger.Warn("failed to mark revision failed", "revision_id", revision.ID, "error", err)
	}
	s.emit(ctx, revision, "error", cause.Error(), nil)
	return cause
}

// release removes any container and instance rows created for the revision.
func (s *Service) release(ctx context.Context, revision domain.Revision, containerID string) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if containerID != "" {
		if err := s.runner.RemoveContainer(opCtx, containerID); err != nil {
			s.logger.Warn("failed to remove container", "revision_id", revision.ID, "container_id", containerID, "error", err)
		}
	}
	if err := s.instances.DeleteInstancesByRevision(opCtx, revision.ID); err != nil {
		s.logger.Warn("failed to delete instance rows", "revision_id", revision.ID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, revision domain.Revision, level, message string, metadata map[string]any) {
	var metaBytes []byte
	if len(metadata) > 0 {
		metaBytes, _ = json.Marshal(metadata)
	}
	event := domain.DeploymentEvent{
		DeploymentID: revision.DeploymentID,
		RevisionID:   revision.ID,
		Source:       "provisioner",
		Level:        level,
		Message:      message,
		Metadata:     metaBytes,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.events.Append(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("failed to append provision event", "revision_id", revision.ID, "error", err)
	}
}

func (s *Service) maxRetries() int {
	if s.cfg.ProvisionMaxRetries < 0 {
		return 0
	}
	return s.cfg.ProvisionMaxRetries
}

func (s *Service) backoffBase() time.Duration {
	if s.cfg.ProvisionBackoff <= 0 {
		return 500 * time.Millisecond
	}
	return s.cfg.ProvisionBackoff
}

// ContainerName is the canonical container name for a revision replica. The
// scaler uses the same scheme when adding replicas.
func ContainerName(revision domain.Revision, replicaIndex int) string {
	return fmt.Sprintf("airlift-%s-r%d", shortID(revision.ID), replicaIndex)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// classify maps runtime errors onto provisioning error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrResourceExhausted) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"resource exhausted", "no space left", "cannot allocate memory", "insufficient"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
	}
	return err
}
