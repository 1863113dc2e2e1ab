package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/airliftapp/airlift/internal/docker"
	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
	"github.com/airliftapp/airlift/internal/service/events"
	"github.com/airliftapp/airlift/pkg/config"
)

func TestSubmitCreatesPendingRevision(t *testing.T) {
	env := newTestEnv()
	deployment := env.seedDeployment(t)

	revision, err := env.svc.Submit(context.Background(), SubmitInput{
		DeploymentID: deployment.ID,
		Files:        validSource(),
		Env:          map[string]string{"PORT": "8000"},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if revision.Status != domain.RevisionPending {
		t.Fatalf("expected pending status, got %s", revision.Status)
	}
	if revision.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", revision.Sequence)
	}
	if revision.SourceDigest == "" || revision.ImageRef == "" {
		t.Fatal("expected digest and image ref to be assigned at submission")
	}
	if len(env.spawned) != 1 {
		t.Fatalf("expected one queued build, got %d", len(env.spawned))
	}
}

func TestSubmitRejectsUnknownDeployment(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.Submit(context.Background(), SubmitInput{DeploymentID: uuid.NewString(), Files: validSource()})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected repository.ErrNotFound, got %v", err)
	}
}

func TestDigestIsContentAddressed(t *testing.T) {
	files := validSource()
	env := map[string]string{"A": "1", "B": "2"}

	first := sourceDigest("dep-1", files, env)
	second := sourceDigest("dep-1", map[string]string{"Dockerfile": files["Dockerfile"], "main.py": files["main.py"]}, map[string]string{"B": "2", "A": "1"})
	if first != second {
		t.Fatalf("equal inputs must produce equal digests: %s vs %s", first, second)
	}

	changedEnv := sourceDigest("dep-1", files, map[string]string{"A": "1", "B": "3"})
	if changedEnv == first {
		t.Fatal("changed env must change the digest")
	}
	changedFiles := sourceDigest("dep-1", map[string]string{"Dockerfile": "FROM scratch"}, env)
	if changedFiles == first {
		t.Fatal("changed source must change the digest")
	}
	otherDeployment := sourceDigest("dep-2", files, env)
	if otherDeployment == first {
		t.Fatal("digest must be scoped to the deployment")
	}
}

func TestExecuteWithoutDockerfileFailsRevision(t *testing.T) {
	env := newTestEnv()
	deployment := env.seedDeployment(t)

	revision, err := env.svc.Submit(context.Background(), SubmitInput{
		DeploymentID: deployment.ID,
		Files:        map[string]string{"main.py": "print('hi')"},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	env.runSpawned()

	got, _ := env.revisions.GetRevisionByID(context.Background(), revision.ID)
	if got.Status != domain.RevisionFailed {
		t.Fatalf("expected failed revision, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "Dockerfile") {
		t.Fatalf("expected error to mention the missing Dockerfile, got %q", got.Error)
	}
	if env.provisioner.calls() != 0 {
		t.Fatal("invalid source must never reach the provisioner")
	}
	if dep, _ := env.deployments.GetDeploymentByID(context.Background(), deployment.ID); dep.ActiveRevisionID != nil {
		t.Fatal("failed build must leave the active pointer unchanged")
	}
}

func TestExecuteBuildErrorFailsRevision(t *testing.T) {
	env := newTestEnv()
	env.images.err = fmt.Errorf("step 3/5 exited with code 1")
	deployment := env.seedDeployment(t)

	revision, _ := env.svc.Submit(context.Background(), SubmitInput{DeploymentID: deployment.ID, Files: validSource()})
	env.runSpawned()

	got, _ := env.revisions.GetRevisionByID(context.Background(), revision.ID)
	if got.Status != domain.RevisionFailed {
		t.Fatalf("expected failed revision, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "exited with code 1") {
		t.Fatalf("expected build error to be recorded, got %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("terminal revision must record completion time")
	}
	if env.provisioner.calls() != 0 {
		t.Fatal("failed build must never reach the provisioner")
	}
}

func TestExecuteHandsOffToProvisioner(t *testing.T) {
	env := newTestEnv()
	deployment := env.seedDeployment(t)

	revision, _ := env.svc.Submit(context.Background(), SubmitInput{DeploymentID: deployment.ID, Files: validSource()})
	env.runSpawned()

	got, _ := env.revisions.GetRevisionByID(context.Background(), revision.ID)
	if got.Status != domain.RevisionProvisioning {
		t.Fatalf("expected provisioning status, got %s", got.Status)
	}
	if env.provisioner.calls() != 1 {
		t.Fatalf("expected one provisioner handoff, got %d", env.provisioner.calls())
	}
	if env.images.builtTag != revision.ImageRef {
		t.Fatalf("expected image %s, got %s", revision.ImageRef, env.images.builtTag)
	}
	if !env.workspace.cleaned {
		t.Fatal("expected workspace cleanup after build")
	}
}

func TestExecuteAbandonsSupersededRevision(t *testing.T) {
	env := newTestEnv()
	deployment := env.seedDeployment(t)

	older, _ := env.svc.Submit(context.Background(), SubmitInput{DeploymentID: deployment.ID, Files: validSource()})
	newer, _ := env.svc.Submit(context.Background(), SubmitInput{
		DeploymentID: deployment.ID,
		Files:        map[string]string{"Dockerfile": "FROM python:3.12\nCOPY . .\nCMD [\"python\", \"v2.py\"]"},
	})
	// Run the older build after the newer submission exists.
	env.spawned[0]()

	got, _ := env.revisions.GetRevisionByID(context.Background(), older.ID)
	if got.Status != domain.RevisionFailed {
		t.Fatalf("expected superseded revision to end failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "superseded") {
		t.Fatalf("expected superseded marker in error, got %q", got.Error)
	}
	if env.provisioner.calls() != 0 {
		t.Fatal("superseded build must not be provisioned")
	}
	if dep, _ := env.deployments.GetDeploymentByID(context.Background(), deployment.ID); dep.ActiveRevisionID != nil {
		t.Fatal("abandoned build must leave the active pointer unchanged")
	}
	if untouched, _ := env.revisions.GetRevisionByID(context.Background(), newer.ID); untouched.Status != domain.RevisionPending {
		t.Fatalf("newer revision must be untouched, got %s", untouched.Status)
	}
}

func TestExecuteTimeoutMarksRevisionFailed(t *testing.T) {
	env := newTestEnv()
	env.svc.cfg.BuildTimeout = 20 * time.Millisecond
	env.svc.revisions = ctxGuardedRevisionRepo{env.revisions}
	env.images.blockUntilCancel = true
	deployment := env.seedDeployment(t)

	revision, err := env.svc.Submit(context.Background(), SubmitInput{DeploymentID: deployment.ID, Files: validSource()})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	env.runSpawned()

	got, _ := env.revisions.GetRevisionByID(context.Background(), revision.ID)
	if got.Status != domain.RevisionFailed {
		t.Fatalf("timed-out build must end failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "deadline exceeded") {
		t.Fatalf("expected the timeout to be recorded, got %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("terminal revision must record completion time")
	}
	if env.provisioner.calls() != 0 {
		t.Fatal("timed-out build must never reach the provisioner")
	}
}

func TestSubmittedRevisionIsImmutable(t *testing.T) {
	env := newTestEnv()
	deployment := env.seedDeployment(t)

	revision, _ := env.svc.Submit(context.Background(), SubmitInput{
		DeploymentID: deployment.ID,
		Files:        validSource(),
		Env:          map[string]string{"PORT": "8000"},
	})
	env.runSpawned()

	got, _ := env.revisions.GetRevisionByID(context.Background(), revision.ID)
	if got.SourceDigest != revision.SourceDigest || got.ImageRef != revision.ImageRef || got.Sequence != revision.Sequence {
		t.Fatal("build pipeline must not mutate revision identity fields")
	}
}

type testEnv struct {
	svc         *Service
	deployments *fakeDeploymentRepo
	revisions   *fakeRevisionRepo
	images      *fakeImageBuilder
	workspace   *fakeStager
	provisioner *fakeProvisioner
	spawned     []func()
}

func newTestEnv() *testEnv {
	env := &testEnv{
		deployments: newFakeDeploymentRepo(),
		revisions:   newFakeRevisionRepo(),
		images:      &fakeImageBuilder{},
		workspace:   &fakeStager{},
		provisioner: &fakeProvisioner{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := config.Config{EnvEncryptionKey: "test-secret", BuildTimeout: time.Second}
	env.svc = New(env.deployments, env.revisions, env.images, env.workspace, env.provisioner, events.New(&fakeEventRepo{}, nil, logger), logger, cfg)
	env.svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	env.svc.spawn = func(fn func()) { env.spawned = append(env.spawned, fn) }
	return env
}

func (e *testEnv) runSpawned() {
	for _, fn := range e.spawned {
		fn()
	}
	e.spawned = nil
}

func (e *testEnv) seedDeployment(t *testing.T) *domain.Deployment {
	t.Helper()
	deployment := &domain.Deployment{ID: uuid.NewString(), Name: "app", Tier: domain.TierProduction}
	if err := e.deployments.CreateDeployment(context.Background(), deployment); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
	return deployment
}

func validSource() map[string]string {
	return map[string]string{
		"Dockerfile": "FROM python:3.12\nCOPY . .\nCMD [\"python\", \"main.py\"]",
		"main.py":    "print('hello')",
	}
}

type fakeImageBuilder struct {
	err              error
	builtTag         string
	blockUntilCancel bool
}

func (f *fakeImageBuilder) BuildImage(ctx context.Context, _ string, tag string, _ map[string]*string, onOutput docker.BuildOutputCallback) error {
	if f.blockUntilCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if onOutput != nil {
		onOutput("Successfully built " + tag)
	}
	f.builtTag = tag
	return nil
}

type fakeStager struct {
	cleaned bool
}

func (f *fakeStager) Stage(identifier string, _ map[string]string) (string, error) {
	return "/tmp/airlift-test/" + identifier, nil
}

func (f *fakeStager) CleanupByID(string) error {
	f.cleaned = true
	return nil
}

type fakeProvisioner struct {
	mu        sync.Mutex
	revisions []domain.Revision
}

func (f *fakeProvisioner) Provision(revision domain.Revision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions = append(f.revisions, revision)
}

func (f *fakeProvisioner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revisions)
}

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{deployments: make(map[string]*domain.Deployment)}
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *deployment
	f.deployments[deployment.ID] = &copied
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *deployment
	return &copied, nil
}

func (f *fakeDeploymentRepo) ListDeployments(_ context.Context) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Deployment, 0, len(f.deployments))
	for _, deployment := range f.deployments {
		out = append(out, *deployment)
	}
	return out, nil
}

func (f *fakeDeploymentRepo) SetActiveRevision(_ context.Context, deploymentID, revisionID string, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return repository.ErrConflict
	}
	deployment.ActiveRevisionID = &revisionID
	deployment.UpdatedAt = updatedAt
	return nil
}

type fakeRevisionRepo struct {
	mu        sync.Mutex
	revisions map[string]*domain.Revision
	sequences map[string]int64
}

func newFakeRevisionRepo() *fakeRevisionRepo {
	return &fakeRevisionRepo{revisions: make(map[string]*domain.Revision), sequences: make(map[string]int64)}
}

func (f *fakeRevisionRepo) CreateRevision(_ context.Context, revision *domain.Revision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences[revision.DeploymentID]++
	revision.Sequence = f.sequences[revision.DeploymentID]
	copied := *revision
	f.revisions[revision.ID] = &copied
	return nil
}

func (f *fakeRevisionRepo) GetRevisionByID(_ context.Context, id string) (*domain.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	revision, ok := f.revisions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *revision
	return &copied, nil
}

func (f *fakeRevisionRepo) ListRevisionsByDeployment(_ context.Context, deploymentID string, limit int) ([]domain.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Revision, 0)
	for _, revision := range f.revisions {
		if revision.DeploymentID == deploymentID {
			out = append(out, *revision)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRevisionRepo) LatestRevision(_ context.Context, deploymentID string) (*domain.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Revision
	for _, revision := range f.revisions {
		if revision.DeploymentID != deploymentID {
			continue
		}
		if latest == nil || revision.Sequence > latest.Sequence {
			latest = revision
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeRevisionRepo) UpdateRevisionStatus(_ context.Context, update domain.RevisionStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	revision, ok := f.revisions[update.RevisionID]
	if !ok {
		return repository.ErrNotFound
	}
	if revision.Terminal() {
		return repository.ErrConflict
	}
	revision.Status = update.Status
	if update.ImageRef != "" {
		revision.ImageRef = update.ImageRef
	}
	revision.Error = update.Error
	revision.CompletedAt = update.CompletedAt
	return nil
}

// ctxGuardedRevisionRepo rejects writes on an expired context the way the
// SQL implementation would.
type ctxGuardedRevisionRepo struct {
	*fakeRevisionRepo
}

func (g ctxGuardedRevisionRepo) UpdateRevisionStatus(ctx context.Context, update domain.RevisionStatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.fakeRevisionRepo.UpdateRevisionStatus(ctx, update)
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []domain.DeploymentEvent
}

func (f *fakeEventRepo) AppendEvent(_ context.Context, event domain.DeploymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventRepo) ListEventsByDeployment(_ context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeploymentEvent, 0)
	for _, event := range f.events {
		if event.DeploymentID == deploymentID {
			out = append(out, event)
		}
	}
	return out, nil
}
