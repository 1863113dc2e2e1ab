package build

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/airliftapp/airlift/internal/docker"
	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
	"github.com/airliftapp/airlift/internal/service/events"
	"github.com/airliftapp/airlift/pkg/config"
	"github.com/airliftapp/airlift/pkg/crypto"
)

const dockerfileName = "Dockerfile"

// ImageBuilder produces a container image from a staged build context.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
}

// SourceStager materializes revision source files on disk.
type SourceStager interface {
	Stage(identifier string, files map[string]string) (string, error)
	CleanupByID(identifier string) error
}

// Provisioner takes over a revision once its image exists.
type Provisioner interface {
	Provision(revision domain.Revision)
}

// SubmitInput carries everything needed to build a revision.
type SubmitInput struct {
	DeploymentID string            `json:"deployment_id"`
	Files        map[string]string `json:"files"`
	Env          map[string]string `json:"env"`
}

// Service builds immutable, content-addressed revision images. Submissions
// return immediately; the build itself runs in the background and hands live
// candidates to the provisioner.
type Service struct {
	deployments repository.DeploymentRepository
	revisions   repository.RevisionRepository
	images      ImageBuilder
	workspace   SourceStager
	provisioner Provisioner
	events      events.Service
	logger      *slog.Logger
	cfg         config.Config
	now         func() time.Time
	spawn       func(fn func())
}

// New constructs a build service.
func New(deployments repository.DeploymentRepository, revisions repository.RevisionRepository, images ImageBuilder, ws SourceStager, provisioner Provisioner, eventSvc events.Service, logger *slog.Logger, cfg config.Config) *Service {
	return &Service{
		deployments: deployments,
		revisions:   revisions,
		images:      images,
		workspace:   ws,
		provisioner: provisioner,
		events:      eventSvc,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		spawn:       func(fn func()) { go fn() },
	}
}

// Submit persists a pending revision and starts its build asynchronously.
// The returned revision reflects the pending state; progress arrives through
// deployment events and the revision status.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*domain.Revision, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, input.DeploymentID)
	if err != nil {
		return nil, err
	}

	envEnc, err := crypto.EncryptEnv(s.cfg.EnvEncryptionKey, input.Env)
	if err != nil {
		return nil, fmt.Errorf("seal revision env: %w", err)
	}

	digest := sourceDigest(deployment.ID, input.Files, input.Env)
	now := s.now().UTC()
	revision := &domain.Revision{
		ID:           uuid.NewString(),
		DeploymentID: deployment.ID,
		ImageRef:     imageRef(deployment, digest),
		SourceDigest: digest,
		EnvVars:      envEnc,
		Status:       domain.RevisionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.revisions.CreateRevision(ctx, revision); err != nil {
		return nil, err
	}
	s.logger.Info("revision queued", "deployment_id", deployment.ID, "revision_id", revision.ID, "sequence", revision.Sequence, "image", revision.ImageRef)
	s.emit(ctx, revision, "info", fmt.Sprintf("revision %d queued", revision.Sequence), nil)

	queued := *revision
	s.spawn(func() { s.execute(context.Background(), queued, input.Files) })
	return revision, nil
}

// execute runs the build pipeline for one revision. It is called on its own
// goroutine by Submit; tests call it directly.
func (s *Service) execute(parent context.Context, revision domain.Revision, files map[string]string) {
	ctx := parent
	if s.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.cfg.BuildTimeout)
		defer cancel()
	}

	if !s.setStatus(ctx, revision, domain.RevisionBuilding, "", nil) {
		return
	}
	s.emit(ctx, &revision, "info", "build started", nil)

	if err := validateSource(files); err != nil {
		s.fail(parent, revision, fmt.Errorf("%w: %v", ErrBuildFailed, err))
		return
	}

	dir, err := s.workspace.Stage(revision.ID, files)
	if err != nil {
		s.fail(parent, revision, fmt.Errorf("%w: stage source: %v", ErrBuildFailed, err))
		return
	}
	defer func() {
		if err := s.workspace.CleanupByID(revision.ID); err != nil {
			s.logger.Warn("workspace cleanup failed", "revision_id", revision.ID, "error", err)
		}
	}()

	buildErr := s.images.BuildImage(ctx, dir, revision.ImageRef, nil, func(line string) {
		s.logger.Debug("build output", "revision_id", revision.ID, "line", line)
	})
	if buildErr != nil {
		s.fail(parent, revision, fmt.Errorf("%w: %v", ErrBuildFailed, buildErr))
		return
	}

	superseded, err := s.isSuperseded(ctx, revision)
	if err != nil {
		s.logger.Warn("supersede check failed", "revision_id", revision.ID, "error", err)
	}
	if superseded {
		s.abandon(parent, revision)
		return
	}

	if !s.setStatus(ctx, revision, domain.RevisionProvisioning, "", nil) {
		return
	}
	s.emit(ctx, &revision, "info", "image built, provisioning", map[string]any{"image": revision.ImageRef})
	revision.Status = domain.RevisionProvisioning
	s.provisioner.Provision(revision)
}

func (s *Service) isSuperseded(ctx context.Context, revision domain.Revision) (bool, error) {
	latest, err := s.revisions.LatestRevision(ctx, revision.DeploymentID)
	if err != nil {
		return false, err
	}
	return latest.ID != revision.ID, nil
}

// abandon finalizes a superseded revision without touching the active
// pointer. Callers pass a context that outlives the build deadline so the
// terminal write lands even when the build itself timed out.
func (s *Service) abandon(ctx context.Context, revision domain.Revision) {
	s.logger.Info("revision abandoned", "deployment_id", revision.DeploymentID, "revision_id", revision.ID)
	completed := s.now().UTC()
	s.setStatus(ctx, revision, domain.RevisionFailed, ErrSuperseded.Error(), &completed)
	s.emit(ctx, &revision, "warn", "build abandoned: superseded by a newer revision", nil)
}

func (s *Service) fail(ctx context.Context, revision domain.Revision, cause error) {
	s.logger.Error("build failed", "deployment_id", revision.DeploymentID, "revision_id", revision.ID, "error", cause)
	completed := s.now().UTC()
	s.setStatus(ctx, revision, domain.RevisionFailed, cause.Error(), &completed)
	s.emit(ctx, &revision, "error", cause.Error(), nil)
}

func (s *Service) setStatus(ctx context.Context, revision domain.Revision, status, errMsg string, completedAt *time.Time) bool {
	update := domain.RevisionStatusUpdate{
		RevisionID:  revision.ID,
		Status:      status,
		Error:       errMsg,
		CompletedAt: completedAt,
	}
	if err := s.revisions.UpdateRevisionStatus(ctx, update); err != nil {
		s.logger.Warn("revision status update failed", "revision_id", revision.ID, "status", status, "error", err)
		return false
	}
	return true
}

func (s *Service) emit(ctx context.Context, revision *domain.Revision, level, message string, metadata map[string]any) {
	var metaBytes []byte
	if len(metadata) > 0 {
		metaBytes, _ = json.Marshal(metadata)
	}
	event := domain.DeploymentEvent{
		DeploymentID: revision.DeploymentID,
		RevisionID:   revision.ID,
		Source:       "builder",
		Level:        level,
		Message:      message,
		Metadata:     metaBytes,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.events.Append(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("failed to append build event", "revision_id", revision.ID, "error", err)
	}
}

func validateSource(files map[string]string) error {
	if len(files) == 0 {
		return fmt.Errorf("no source files provided")
	}
	if _, ok := files[dockerfileName]; !ok {
		return fmt.Errorf("source must include a %s", dockerfileName)
	}
	return nil
}

func imageRef(deployment *domain.Deployment, digest string) string {
	return fmt.Sprintf("airlift/%s:%s", shortID(deployment.ID), digest[:12])
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
