package scaler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"log/slog"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/airliftapp/airlift/internal/docker"
	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
	"github.com/airliftapp/airlift/internal/service/events"
	"github.com/airliftapp/airlift/internal/service/provision"
	"github.com/airliftapp/airlift/pkg/config"
	"github.com/airliftapp/airlift/pkg/crypto"
)

const (
	defaultInterval  = 30 * time.Second
	reconcileTimeout = 20 * time.Second
	appPort          = nat.Port("8000/tcp")
)

// Runtime is the container surface the scaler drives.
type Runtime interface {
	RunContainer(ctx context.Context, name, image string, env []string, port nat.Port, res docker.Resources) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
	ContainerStats(ctx context.Context, containerID string) (docker.Stats, error)
}

// Controller is the periodic control loop keeping each deployment's replica
// count inside its tier bounds. Reconciliation for one deployment is
// single-flight: overlapping runs collapse into the in-flight one.
type Controller struct {
	deployments repository.DeploymentRepository
	revisions   repository.RevisionRepository
	instances   repository.InstanceRepository
	runtime     Runtime
	events      events.Service
	logger      *slog.Logger

	interval time.Duration
	upCPU    float64
	downCPU  float64
	secret   string

	group singleflight.Group
	now   func() time.Time
}

// New constructs a scaler controller.
func New(deployments repository.DeploymentRepository, revisions repository.RevisionRepository, instances repository.InstanceRepository, runtime Runtime, eventSvc events.Service, logger *slog.Logger, cfg config.Config) *Controller {
	interval := cfg.ScaleInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "scaler")
	}
	return &Controller{
		deployments: deployments,
		revisions:   revisions,
		instances:   instances,
		runtime:     runtime,
		events:      eventSvc,
		logger:      logger,
		interval:    interval,
		upCPU:       float64(cfg.ScaleUpCPUPercent),
		downCPU:     float64(cfg.ScaleDownCPUPercent),
		secret:      cfg.EnvEncryptionKey,
		now:         time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("scaler started", "interval", c.interval)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("scaler stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	deployments, err := c.deployments.ListDeployments(opCtx)
	if err != nil {
		c.logger.Warn("failed to list deployments", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(opCtx)
	for _, deployment := range deployments {
		if deployment.ActiveRevisionID == nil {
			continue
		}
		g.Go(func() error {
			_, err, _ := c.group.Do(deployment.ID, func() (any, error) {
				return nil, c.reconcile(gctx, deployment)
			})
			if err != nil {
				c.logger.Warn("reconcile failed", "deployment_id", deployment.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// reconcile drives one deployment toward its desired replica count.
func (c *Controller) reconcile(ctx context.Context, deployment domain.Deployment) error {
	revision, err := c.revisions.GetRevisionByID(ctx, *deployment.ActiveRevisionID)
	if err != nil {
		return fmt.Errorf("load active revision: %w", err)
	}
	// Only a live, active revision is ever scaled.
	if revision.Status != domain.RevisionLive {
		return nil
	}
	profile, ok := deployment.Tier.Profile()
	if !ok {
		return fmt.Errorf("unknown tier %q", deployment.Tier)
	}

	all, err := c.instances.ListInstancesByDeployment(ctx, deployment.ID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	active := make([]domain.ContainerInstance, 0, len(all))
	for _, instance := range all {
		if instance.RevisionID != revision.ID {
			// Superseded revisions stop receiving traffic: drain their
			// replicas.
			c.removeInstance(ctx, instance, "superseded")
			continue
		}
		active = append(active, instance)
	}

	healthy := c.observe(ctx, active)
	desired := c.desiredReplicas(len(healthy), averageCPU(healthy), profile)

	if len(healthy) > desired {
		c.scaleDown(ctx, deployment, healthy, len(healthy)-desired)
		return nil
	}
	if len(healthy) < desired {
		c.scaleUp(ctx, deployment, *revision, profile, healthy, desired-len(healthy))
	}
	return nil
}

// observe samples container stats, refreshing instance rows and pruning
// replicas whose containers are gone or unresponsive.
func (c *Controller) observe(ctx context.Context, instances []domain.ContainerInstance) []domain.ContainerInstance {
	healthy := make([]domain.ContainerInstance, 0, len(instances))
	for _, instance := range instances {
		stats, err := c.runtime.ContainerStats(ctx, instance.ContainerID)
		if err != nil {
			c.removeInstance(ctx, instance, "unhealthy")
			continue
		}
		instance.Health = domain.HealthHealthy
		instance.CPUPercent = &stats.CPUPercent
		instance.MemoryBytes = &stats.MemoryBytes
		instance.UpdatedAt = c.now().UTC()
		if err := c.instances.UpsertInstance(ctx, instance); err != nil {
			c.logger.Warn("failed to refresh instance", "container_id", instance.ContainerID, "error", err)
		}
		healthy = append(healthy, instance)
	}
	return healthy
}

// desiredReplicas clamps the load-derived target to the tier bounds. The
// tier maximum is a hard ceiling regardless of load.
func (c *Controller) desiredReplicas(current int, avgCPU float64, profile domain.TierProfile) int {
	desired := current
	switch {
	case current == 0:
		desired = profile.MinReplicas
	case c.upCPU > 0 && avgCPU > c.upCPU:
		desired = current + 1
	case c.downCPU > 0 && avgCPU >= 0 && avgCPU < c.downCPU:
		desired = current - 1
	}
	if desired < profile.MinReplicas {
		desired = profile.MinReplicas
	}
	if desired > profile.MaxReplicas {
		desired = profile.MaxReplicas
	}
	return desired
}

func (c *Controller) scaleUp(ctx context.Context, deployment domain.Deployment, revision domain.Revision, profile domain.TierProfile, existing []domain.ContainerInstance, count int) {
	envMap, err := crypto.DecryptEnv(c.secret, revision.EnvVars)
	if err != nil {
		c.logger.Error("cannot open revision env for scale up", "revision_id", revision.ID, "error", err)
		return
	}
	env := make([]string, 0, len(envMap))
	for _, key := range crypto.SortedKeys(envMap) {
		env = append(env, key+"="+envMap[key])
	}

	used := make(map[int]struct{}, len(existing))
	for _, instance := range existing {
		used[instance.ReplicaIndex] = struct{}{}
	}

	resources := docker.Resources{NanoCPUs: profile.NanoCPUs, MemoryBytes: profile.MemoryBytes}
	added := 0
	for index := 0; added < count && index < profile.MaxReplicas; index++ {
		if _, taken := used[index]; taken {
			continue
		}
		name := provision.ContainerName(revision, index)
		info, err := c.runtime.RunContainer(ctx, name, revision.ImageRef, env, appPort, resources)
		if err != nil {
			c.logger.Warn("failed to start replica", "deployment_id", deployment.ID, "replica_index", index, "error", err)
			return
		}
		now := c.now().UTC()
		instance := domain.ContainerInstance{
			ID:           uuid.NewString(),
			DeploymentID: deployment.ID,
			RevisionID:   revision.ID,
			ReplicaIndex: index,
			ContainerID:  info.ID,
			Health:       domain.HealthStarting,
			HostIP:       info.HostIP,
			HostPort:     info.HostPort,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.instances.UpsertInstance(ctx, instance); err != nil {
			c.logger.Warn("failed to register replica", "container_id", info.ID, "error", err)
		}
		used[index] = struct{}{}
		added++
		c.logger.Info("replica added", "deployment_id", deployment.ID, "revision_id", revision.ID, "replica_index", index)
		c.emit(ctx, deployment.ID, revision.ID, "info", fmt.Sprintf("scaled up to replica %d", index))
	}
}

func (c *Controller) scaleDown(ctx context.Context, deployment domain.Deployment, instances []domain.ContainerInstance, count int) {
	// Highest replica indexes go first.
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ReplicaIndex > instances[j].ReplicaIndex
	})
	for i := 0; i < count && i < len(instances); i++ {
		instance := instances[i]
		c.removeInstance(ctx, instance, "scale_down")
		c.emit(ctx, deployment.ID, instance.RevisionID, "info", fmt.Sprintf("scaled down replica %d", instance.ReplicaIndex))
	}
}

func (c *Controller) removeInstance(ctx context.Context, instance domain.ContainerInstance, reason string) {
	if err := c.runtime.RemoveContainer(ctx, instance.ContainerID); err != nil {
		c.logger.Warn("failed to remove container", "container_id", instance.ContainerID, "reason", reason, "error", err)
	}
	if err := c.instances.DeleteInstance(ctx, instance.ContainerID); err != nil {
		c.logger.Warn("failed to deregister instance", "container_id", instance.ContainerID, "reason", reason, "error", err)
		return
	}
	c.logger.Info("instance removed", "deployment_id", instance.DeploymentID, "container_id", instance.ContainerID, "replica_index", instance.ReplicaIndex, "reason", reason)
}

func (c *Controller) emit(ctx context.Context, deploymentID, revisionID, level, message string) {
	event := domain.DeploymentEvent{
		DeploymentID: deploymentID,
		RevisionID:   revisionID,
		Source:       "scaler",
		Level:        level,
		Message:      message,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.events.Append(ctx, event); err != nil {
		c.logger.Warn("failed to append scaler event", "deployment_id", deploymentID, "error", err)
	}
}

func averageCPU(instances []domain.ContainerInstance) float64 {
	if len(instances) == 0 {
		return -1
	}
	var sum float64
	var sampled int
	for _, instance := range instances {
		if instance.CPUPercent == nil {
			continue
		}
		sum += *instance.CPUPercent
		sampled++
	}
	if sampled == 0 {
		return -1
	}
	return sum / float64(sampled)
}
