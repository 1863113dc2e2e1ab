package domain

import "time"

// Deployment is a long-lived logical application with at most one active
// revision at a time.
type Deployment struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Tier             Tier      `json:"tier"`
	ActiveRevisionID *string   `json:"active_revision_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DeploymentEvent is a persisted audit record for a deployment, also pushed
// to live event stream subscribers.
type DeploymentEvent struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	RevisionID   string    `json:"revision_id,omitempty"`
	Source       string    `json:"source"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Metadata     []byte    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
