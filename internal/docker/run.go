package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Resources caps compute for a container per its deployment tier.
type Resources struct {
	NanoCPUs    int64
	MemoryBytes int64
}

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID       string
	HostIP   string
	HostPort int
}

// Stats is a one-shot usage sample for a running container.
type Stats struct {
	CPUPercent  float64
	MemoryBytes int64
}

// RunContainer creates and starts a container exposing appPort on a random
// host port, with tier resource limits applied.
func (c *Client) RunContainer(ctx context.Context, name, image string, env []string, appPort nat.Port, res Resources) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        image,
		Env:          env,
		ExposedPorts: nat.PortSet{appPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{appPort: []nat.PortBinding{{HostIP: "0.0.0.0"}}},
		RestartPolicy: container.RestartPolicy{
			Name: "always",
		},
		Resources: container.Resources{
			NanoCPUs: res.NanoCPUs,
			Memory:   res.MemoryBytes,
		},
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	info := ContainerInfo{ID: r.ID}
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err := c.inner.ContainerInspect(ctx, r.ID)
		if err != nil {
			return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
		}
		if ip, port, ok := hostBinding(inspect.NetworkSettings, appPort); ok {
			info.HostIP = ip
			info.HostPort = port
			return info, nil
		}
		select {
		case <-ctx.Done():
			return ContainerInfo{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return info, fmt.Errorf("container %s has no host port binding", name)
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ContainerStats samples current CPU and memory usage.
func (c *Client) ContainerStats(ctx context.Context, containerID string) (Stats, error) {
	if strings.TrimSpace(containerID) == "" {
		return Stats{}, fmt.Errorf("container id cannot be empty")
	}
	resp, err := c.inner.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Stats{}, ErrNotFound
		}
		return Stats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decode container stats: %w", err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpuPercent := 0.0
	if systemDelta > 0 && cpuDelta > 0 {
		onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		if onlineCPUs == 0 {
			onlineCPUs = 1
		}
		cpuPercent = (cpuDelta / systemDelta) * onlineCPUs * 100.0
	}
	return Stats{
		CPUPercent:  cpuPercent,
		MemoryBytes: int64(stats.MemoryStats.Usage),
	}, nil
}

func hostBinding(settings *types.NetworkSettings, appPort nat.Port) (string, int, bool) {
	if settings == nil || settings.Ports == nil {
		return "", 0, false
	}
	for _, binding := range settings.Ports[appPort] {
		if strings.TrimSpace(binding.HostPort) == "" {
			continue
		}
		port, err := strconv.Atoi(binding.HostPort)
		if err != nil || port <= 0 {
			continue
		}
		return binding.HostIP, port, true
	}
	return "", 0, false
}
