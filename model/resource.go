package model

// ResourceStatus is the availability state a provider advertises for a
// listing. The numeric order matches the on-chain resource status enum.
type ResourceStatus int32

const (
	ResourceIdle ResourceStatus = iota
	ResourceBusy
	ResourceOffline
	ResourceSuspended
)

func (s ResourceStatus) String() string {
	switch s {
	case ResourceIdle:
		return "Idle"
	case ResourceBusy:
		return "Busy"
	case ResourceOffline:
		return "Offline"
	case ResourceSuspended:
		return "Suspended"
	}
	return "Unknown"
}

// HardwareSpec describes a provider's machine. It is owned by the provider
// directory and read-only to the orchestrator.
type HardwareSpec struct {
	ID            uint64 `json:"id"`
	GPUModel      string `json:"gpu_model"`
	VRAMGb        int    `json:"vram_gb"`
	CPUCores      int    `json:"cpu_cores"`
	ComputeRating int    `json:"compute_rating"`
	// PricePerHour is in the smallest currency unit.
	PricePerHour int64 `json:"price_per_hour"`
}

// PricePerSecond converts the hourly price to a per-second price with
// truncating integer division, the same rounding the matcher charges against.
func (h HardwareSpec) PricePerSecond() int64 {
	return h.PricePerHour / 3600
}

// ProviderListing is a provider's current offer as reported by the provider
// directory. Reputation changes are never written back through this struct;
// they go through the score store.
type ProviderListing struct {
	// PublicKey is the listing's resource account address.
	PublicKey string
	// Host is the operator's address, also the endpoint jobs are dispatched to.
	Host   string
	Specs  HardwareSpec
	Status ResourceStatus
	// ReputationScore is bounded to [MinReputationScore, MaxReputationScore].
	ReputationScore int
	// LastUpdated is the unix timestamp of the last heartbeat.
	LastUpdated int64
}

// Clone returns a copy safe to retain across matching calls.
func (p *ProviderListing) Clone() *ProviderListing {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
