package domain

// Tier names a fixed resource and scaling profile.
type Tier string

// Supported tiers.
const (
	TierDevelopment Tier = "development"
	TierProduction  Tier = "production"
)

// TierProfile is the resource envelope the provisioner and scaler must honor
// for a tier. Replica counts are hard bounds, not targets.
type TierProfile struct {
	NanoCPUs    int64
	MemoryBytes int64
	MinReplicas int
	MaxReplicas int
}

const gib = 1024 * 1024 * 1024

var tierProfiles = map[Tier]TierProfile{
	TierDevelopment: {
		NanoCPUs:    1_000_000_000,
		MemoryBytes: 1 * gib,
		MinReplicas: 1,
		MaxReplicas: 1,
	},
	TierProduction: {
		NanoCPUs:    1_000_000_000,
		MemoryBytes: 2 * gib,
		MinReplicas: 1,
		MaxReplicas: 10,
	},
}

// Profile returns the resource profile for the tier.
func (t Tier) Profile() (TierProfile, bool) {
	profile, ok := tierProfiles[t]
	return profile, ok
}

// Valid reports whether the tier is a known profile name.
func (t Tier) Valid() bool {
	_, ok := tierProfiles[t]
	return ok
}
