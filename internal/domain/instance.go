package domain

import "time"

// Container instance health states as observed by the scaler.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ContainerInstance is one running replica of a revision. Instances are
// created and destroyed by the provisioner and scaler only.
type ContainerInstance struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	RevisionID   string    `json:"revision_id"`
	ReplicaIndex int       `json:"replica_index"`
	ContainerID  string    `json:"container_id"`
	Health       string    `json:"health"`
	HostIP       string    `json:"host_ip,omitempty"`
	HostPort     int       `json:"host_port,omitempty"`
	CPUPercent   *float64  `json:"cpu_percent,omitempty"`
	MemoryBytes  *int64    `json:"memory_bytes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
