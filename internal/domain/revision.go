package domain

import "time"

// Revision lifecycle states. A revision only ever moves forward:
// pending -> building -> provisioning -> live, or any non-terminal state
// -> failed. Live and failed are terminal for the build pipeline; a live
// revision that is superseded keeps its status and only loses traffic.
const (
	RevisionPending      = "pending"
	RevisionBuilding     = "building"
	RevisionProvisioning = "provisioning"
	RevisionLive         = "live"
	RevisionFailed       = "failed"
)

// Revision is an immutable, buildable version of a deployment's source and
// configuration. Rows are superseded by newer sequences, never edited.
type Revision struct {
	ID           string     `json:"id"`
	DeploymentID string     `json:"deployment_id"`
	Sequence     int64      `json:"sequence"`
	ImageRef     string     `json:"image_ref,omitempty"`
	SourceDigest string     `json:"source_digest"`
	EnvVars      []byte     `json:"-"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RevisionStatusUpdate captures the mutable lifecycle fields of a revision.
// Everything else on a revision is immutable after creation.
type RevisionStatusUpdate struct {
	RevisionID  string
	Status      string
	ImageRef    string
	Error       string
	CompletedAt *time.Time
}

// Terminal reports whether the revision can no longer change state.
func (r Revision) Terminal() bool {
	return r.Status == RevisionLive || r.Status == RevisionFailed
}
